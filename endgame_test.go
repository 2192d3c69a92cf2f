package pipeloop

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestPipe_shutdownAfterWrites(t *testing.T) {
	l, sys := newTestLoop(t, MemoryConfig{BufferSize: 4}, WithAcceptSlots(1))

	var (
		g        errgroup.Group
		received []byte
		events   []string
	)
	peer := newTestConn(t, l, sys, func(server, client *Pipe) {
		_ = server.Close(nil)

		for _, s := range []string{"hello", " ", "world"} {
			_, err := client.Write([][]byte{[]byte(s)}, func(_ *WriteRequest, status int, err error) {
				assert.Zero(t, status)
				assert.NoError(t, err)
				events = append(events, "write")
			})
			require.NoError(t, err)
		}

		require.NoError(t, client.Shutdown(func(p *Pipe, status int, err error) {
			assert.Zero(t, status)
			assert.NoError(t, err)
			assert.Equal(t, HandleShut, p.State())
			events = append(events, "shutdown")
			require.NoError(t, p.Close(func(*Pipe) {
				events = append(events, "close")
			}))
		}))
		assert.Equal(t, HandleShutting, client.State())
		assert.Equal(t, 4, client.ReqsPending())

		_, err := client.Write([][]byte{[]byte("late")}, nil)
		assert.ErrorIs(t, err, ErrEOF)
		assert.ErrorIs(t, client.Shutdown(nil), ErrShutdownInProgress)
	})
	g.Go(func() error {
		var err error
		received, err = io.ReadAll(peer)
		return err
	})

	runLoop(t, l)
	require.NoError(t, g.Wait())

	assert.Equal(t, "hello world", string(received))
	assert.Equal(t, []string{"write", "write", "write", "shutdown", "close"}, events)
}

func TestPipe_closeWithPendingWritesAndShutdown(t *testing.T) {
	l, sys := newTestLoop(t, MemoryConfig{BufferSize: 1}, WithAcceptSlots(1))

	const k = 3
	var events []string
	newTestConn(t, l, sys, func(server, client *Pipe) {
		_ = server.Close(nil)

		for i := 0; i < k; i++ {
			_, err := client.Write([][]byte{[]byte("blocked")}, func(_ *WriteRequest, status int, err error) {
				assert.Equal(t, -1, status)
				assert.ErrorIs(t, err, ErrOperationAborted)
				events = append(events, "write")
			})
			require.NoError(t, err)
		}
		assert.Equal(t, k, client.WriteReqsPending())

		require.NoError(t, client.Shutdown(func(_ *Pipe, status int, err error) {
			// the handle was closed first, and the shutdown reports that close
			assert.Zero(t, status)
			assert.NoError(t, err)
			events = append(events, "shutdown")
		}))
		require.NoError(t, client.Close(func(p *Pipe) {
			assert.Equal(t, HandleClosed, p.State())
			assert.Zero(t, p.ReqsPending())
			events = append(events, "close")
		}))
		assert.Equal(t, HandleClosing, client.State())
		assert.Equal(t, k+1, client.ReqsPending())
	})

	runLoop(t, l)
	assert.Equal(t, []string{"write", "write", "write", "shutdown", "close"}, events)
}

func TestPipe_shutdownWithoutWrites(t *testing.T) {
	l, sys := newTestLoop(t, MemoryConfig{}, WithAcceptSlots(1))

	var (
		shutdownErr error
		shutdowns   int
		readErr     error
	)
	newTestConn(t, l, sys, func(server, client *Pipe) {
		_ = server.Close(nil)
		require.NoError(t, client.Shutdown(func(p *Pipe, _ int, err error) {
			shutdowns++
			shutdownErr = err
			readErr = p.ReadStart(fixedAlloc(8), func(*Pipe, int, []byte, error) {})
			_ = p.Close(nil)
		}))
	})

	runLoop(t, l)
	assert.Equal(t, 1, shutdowns)
	assert.NoError(t, shutdownErr)
	assert.ErrorIs(t, readErr, ErrEOF)
}

func TestPipe_shutdownErrors(t *testing.T) {
	l, sys := newTestLoop(t, MemoryConfig{}, WithAcceptSlots(1))

	unbound := l.NewPipe()
	assert.ErrorIs(t, unbound.Shutdown(nil), ErrInvalidArgument)

	newTestConn(t, l, sys, func(server, client *Pipe) {
		assert.ErrorIs(t, server.Shutdown(nil), ErrInvalidArgument)
		require.NoError(t, client.Close(nil))
		assert.ErrorIs(t, client.Shutdown(nil), ErrHandleClosing)
		_ = server.Close(nil)
		_ = unbound.Close(nil)
	})

	runLoop(t, l)
	assert.Zero(t, l.Handles())
}

func TestPipe_closeCallbackIsLast(t *testing.T) {
	l, sys := newTestLoop(t, MemoryConfig{}, WithAcceptSlots(2))

	var events []string
	server := newTestServer(t, l, func(*Pipe, int) {
		events = append(events, "connection")
	})
	peer, err := sys.Open(testPipeName)
	require.NoError(t, err)
	defer peer.Close()

	require.NoError(t, l.Submit(func() {
		// the connection is pending, and closed without being accepted
		assert.Equal(t, 1, server.PendingAccepts())
		require.NoError(t, server.Close(func(p *Pipe) {
			events = append(events, "close")
			assert.Zero(t, p.PendingAccepts())
			assert.Zero(t, l.Handles())
		}))
		assert.ErrorIs(t, server.Close(nil), ErrHandleClosing)
	}))

	runLoop(t, l)
	assert.Equal(t, []string{"connection", "close"}, events)
	assert.Equal(t, HandleClosed, server.State())

	// the pending instance was released with the handle
	_, err = sys.Open(testPipeName)
	assert.ErrorIs(t, err, ErrPipeNotFound)
}
