package pipeloop

import (
	"errors"
	"fmt"
	"io"
)

// Handle errors, returned synchronously by the Pipe methods, or delivered to
// callbacks.
var (
	// ErrInvalidArgument indicates a missing name, or a call against a handle
	// in the wrong role (e.g. ReadStart on a server).
	ErrInvalidArgument = errors.New("pipeloop: invalid argument")

	// ErrAlreadyListening is returned by Listen on a handle that is already
	// listening or reading.
	ErrAlreadyListening = errors.New("pipeloop: already listening")

	// ErrAlreadyReading is returned by ReadStart on a handle that is already
	// reading.
	ErrAlreadyReading = errors.New("pipeloop: already reading")

	// ErrNotSupported is returned for multi-buffer writes, and for Listen on a
	// handle that was never bound.
	ErrNotSupported = errors.New("pipeloop: operation not supported")

	// ErrWouldBlock is returned by Accept when no connection is pending, and is
	// passed to the read callback alongside a zero-byte read.
	ErrWouldBlock = errors.New("pipeloop: operation would block")

	// ErrEOF indicates the peer closed the stream, or that a write was issued
	// after shutdown started. It matches io.EOF via errors.Is.
	ErrEOF = fmt.Errorf("pipeloop: end of stream: %w", io.EOF)

	// ErrNoBuffers is passed to the read callback when the alloc callback
	// returned an empty buffer. Reading stops.
	ErrNoBuffers = errors.New("pipeloop: no buffer space available")

	// ErrShutdownInProgress is returned by Shutdown if the handle is already
	// shutting down.
	ErrShutdownInProgress = errors.New("pipeloop: shutdown already in progress")

	// ErrHandleClosing is returned by operations against a handle that is
	// closing or closed.
	ErrHandleClosing = errors.New("pipeloop: handle is closing")
)

// Loop errors.
var (
	// ErrLoopAlreadyRunning is returned when Run is called on a running loop.
	ErrLoopAlreadyRunning = errors.New("pipeloop: loop is already running")

	// ErrLoopTerminated is returned when operations are attempted on a closed loop.
	ErrLoopTerminated = errors.New("pipeloop: loop has been terminated")

	// ErrReentrantRun is returned when Run is called from within the loop.
	ErrReentrantRun = errors.New("pipeloop: cannot call Run from within the loop")

	// ErrNotLoopThread is returned when a handle is manipulated from a
	// goroutine other than the one running the loop. Use Loop.Submit.
	ErrNotLoopThread = errors.New("pipeloop: handle used outside the loop goroutine")

	// ErrConnectWorkersBusy is returned by Connect when a retry is needed, but
	// every connect worker is in use. See WithConnectWorkers.
	ErrConnectWorkersBusy = errors.New("pipeloop: no connect worker available")
)

// Errors reported by Sys, Port, and File implementations. The handle code
// depends on these exact values to drive its state machines.
var (
	// ErrIOPending indicates an asynchronous operation was queued, and its
	// result will be delivered through the port.
	ErrIOPending = errors.New("pipeloop: i/o pending")

	// ErrPipeBusy indicates every server instance of a pipe is in use.
	ErrPipeBusy = errors.New("pipeloop: all pipe instances are busy")

	// ErrPipeConnected indicates a client connected before the server started
	// waiting for it. No completion is delivered.
	ErrPipeConnected = errors.New("pipeloop: pipe already connected")

	// ErrPipeNotFound indicates no server exists for a pipe name.
	ErrPipeNotFound = errors.New("pipeloop: pipe not found")

	// ErrNoData indicates a non-blocking read found nothing to read.
	ErrNoData = errors.New("pipeloop: no data available")

	// ErrWaitTimeout indicates Sys.Wait expired before an instance was free.
	ErrWaitTimeout = errors.New("pipeloop: wait for pipe timed out")

	// ErrBrokenPipe indicates the other end of the pipe has been closed.
	ErrBrokenPipe = errors.New("pipeloop: broken pipe")

	// ErrOperationAborted indicates an outstanding operation was cancelled
	// because its file was closed.
	ErrOperationAborted = errors.New("pipeloop: operation aborted")

	// ErrFileClosed indicates an operation on a closed File.
	ErrFileClosed = errors.New("pipeloop: file already closed")

	// ErrPortClosed indicates the completion port has been closed.
	ErrPortClosed = errors.New("pipeloop: port closed")
)

// OSError wraps a failure reported by the operating system (or the Sys
// implementation standing in for it), recording the primitive that failed.
type OSError struct {
	Err error
	Op  string
}

// Error implements the error interface.
func (e *OSError) Error() string {
	if e.Err == nil {
		return "pipeloop: " + e.Op + ": unknown error"
	}
	return "pipeloop: " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *OSError) Unwrap() error {
	return e.Err
}

// osError wraps err as an *OSError, leaving nil and already wrapped errors
// untouched.
func osError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *OSError
	if errors.As(err, &e) {
		return err
	}
	return &OSError{Op: op, Err: err}
}

// statusOf maps an outcome to the callback status sentinel.
func statusOf(err error) int {
	if err != nil {
		return -1
	}
	return 0
}
