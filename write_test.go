package pipeloop

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestPipe_writeQueueSize(t *testing.T) {
	l, sys := newTestLoop(t, MemoryConfig{BufferSize: 4}, WithAcceptSlots(1))

	var (
		g        errgroup.Group
		received []byte
		statuses []int
		queued   []int
	)
	peer := newTestConn(t, l, sys, func(server, client *Pipe) {
		_ = server.Close(nil)

		onWrite := func(req *WriteRequest, status int, err error) {
			assert.NoError(t, err)
			assert.NoError(t, req.Err())
			statuses = append(statuses, status)
			if len(statuses) == 2 {
				assert.Zero(t, client.WriteQueueSize())
				// released once the callback returns
				assert.Equal(t, 1, client.WriteReqsPending())
				_ = client.Close(nil)
			}
		}

		small, err := client.Write([][]byte{[]byte("ab")}, onWrite)
		require.NoError(t, err)
		queued = append(queued, client.WriteQueueSize())

		large, err := client.Write([][]byte{[]byte("cdefg")}, onWrite)
		require.NoError(t, err)
		queued = append(queued, client.WriteQueueSize())

		assert.Zero(t, small.QueuedBytes())
		assert.Equal(t, 5, large.QueuedBytes())
		assert.Equal(t, 5, large.Len())
		assert.Equal(t, 2, client.WriteReqsPending())
	})
	g.Go(func() error {
		received = make([]byte, 7)
		_, err := io.ReadFull(peer, received)
		return err
	})

	runLoop(t, l)
	require.NoError(t, g.Wait())

	assert.Equal(t, []int{0, 5}, queued)
	assert.Equal(t, []int{0, 0}, statuses)
	assert.Equal(t, "abcdefg", string(received))
	assert.Equal(t, uint64(7), l.Metrics().BytesWritten)
}

func TestPipe_writeCallbacksAreDeferred(t *testing.T) {
	l, sys := newTestLoop(t, MemoryConfig{}, WithAcceptSlots(1))

	var (
		inCall = false
		calls  int
	)
	newTestConn(t, l, sys, func(server, client *Pipe) {
		_ = server.Close(nil)
		inCall = true
		_, err := client.Write([][]byte{[]byte("x")}, func(*WriteRequest, int, error) {
			assert.False(t, inCall, "callback invoked synchronously")
			calls++
			_ = client.Close(nil)
		})
		inCall = false
		require.NoError(t, err)
	})

	runLoop(t, l)
	assert.Equal(t, 1, calls)
}

func TestPipe_writeErrors(t *testing.T) {
	l, sys := newTestLoop(t, MemoryConfig{}, WithAcceptSlots(1))

	unbound := l.NewPipe()
	_, err := unbound.Write([][]byte{[]byte("x")}, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	peer := newTestConn(t, l, sys, func(server, client *Pipe) {
		_, err := server.Write([][]byte{[]byte("x")}, nil)
		assert.ErrorIs(t, err, ErrInvalidArgument)

		_, err = client.Write(nil, nil)
		assert.ErrorIs(t, err, ErrNotSupported)
		_, err = client.Write([][]byte{[]byte("a"), []byte("b")}, nil)
		assert.ErrorIs(t, err, ErrNotSupported)
		assert.Zero(t, client.ReqsPending())

		require.NoError(t, client.Close(nil))
		_, err = client.Write([][]byte{[]byte("x")}, nil)
		assert.ErrorIs(t, err, ErrHandleClosing)

		_ = server.Close(nil)
		_ = unbound.Close(nil)
	})
	require.NotNil(t, peer)

	runLoop(t, l)
	assert.Zero(t, l.Handles())
}

func TestPipe_writeToClosedPeer(t *testing.T) {
	l, sys := newTestLoop(t, MemoryConfig{}, WithAcceptSlots(1))

	var writeErr error
	peer := newTestConn(t, l, sys, func(server, client *Pipe) {
		_ = server.Close(nil)
		_, writeErr = client.Write([][]byte{[]byte("x")}, func(*WriteRequest, int, error) {
			t.Error("unexpected callback")
		})
		_ = client.Close(nil)
	})
	require.NoError(t, peer.Close())

	runLoop(t, l)

	require.Error(t, writeErr)
	assert.ErrorIs(t, writeErr, ErrBrokenPipe)
	var osErr *OSError
	require.ErrorAs(t, writeErr, &osErr)
	assert.Equal(t, "WriteFile", osErr.Op)
	assert.Same(t, writeErr, l.LastError())
}

func TestPipe_pendingWriteAbortedByClose(t *testing.T) {
	l, sys := newTestLoop(t, MemoryConfig{BufferSize: 2}, WithAcceptSlots(1))

	var events []string
	newTestConn(t, l, sys, func(server, client *Pipe) {
		_ = server.Close(nil)
		_, err := client.Write([][]byte{[]byte("too large")}, func(_ *WriteRequest, status int, err error) {
			assert.Equal(t, -1, status)
			assert.ErrorIs(t, err, ErrOperationAborted)
			events = append(events, "write")
		})
		require.NoError(t, err)
		assert.Equal(t, 9, client.WriteQueueSize())
		require.NoError(t, client.Close(func(p *Pipe) {
			assert.Zero(t, p.WriteQueueSize())
			events = append(events, "close")
		}))
	})

	runLoop(t, l)
	assert.Equal(t, []string{"write", "close"}, events)
}
