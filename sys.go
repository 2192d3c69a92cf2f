package pipeloop

import (
	"context"
	"time"
)

// Sys is the set of primitive named-pipe operations the handles are built
// on. The Windows implementation maps each method onto the Win32 call of the
// same shape, see NewWindowsSys. NewMemorySys provides the same semantics
// in-process, on every platform.
//
// Implementations must be safe for concurrent use: Wait and Open are called
// from connect workers, everything else from the loop goroutine.
type Sys interface {
	// NewPort creates the completion port the loop waits on.
	NewPort() (Port, error)

	// CreateInstance creates a new server instance of the named pipe, ready to
	// accept exactly one client.
	CreateInstance(name string) (File, error)

	// Open connects to a free server instance of the named pipe, without
	// blocking. It fails with ErrPipeBusy if every instance is in use, and
	// ErrPipeNotFound if there is no server.
	Open(name string) (File, error)

	// Wait blocks until a server instance of the named pipe is free, or the
	// timeout elapses (ErrWaitTimeout). It fails with ErrPipeNotFound if there
	// is no server.
	Wait(name string, timeout time.Duration) error
}

// Port is an asynchronous completion queue.
//
// Completions for operations on associated files, and those posted via Post,
// are delivered to exactly one call of Wait.
type Port interface {
	// Associate binds the file to the port. Completions for operations issued
	// against the file are delivered through this port, keyed by id.
	Associate(f File, id HandleID) error

	// Post enqueues a synthetic completion for op. It is safe to call from any
	// goroutine.
	Post(op *Overlapped) error

	// Wake causes a blocked Wait to return, without delivering a completion.
	// It is safe to call from any goroutine.
	Wake() error

	// Wait blocks until at least one completion is available, then passes up
	// to limit completions to fn. It returns early, without error, if Wake is
	// called or the timeout elapses. A negative timeout blocks indefinitely,
	// zero only collects what is already queued. The ctx error is returned if
	// ctx is done first.
	Wait(ctx context.Context, timeout time.Duration, limit int, fn func(op *Overlapped)) error

	// Close releases the port.
	Close() error
}

// File is an open pipe instance, either end.
//
// The asynchronous methods (Connect, ReadAsync, WriteAsync) follow completion
// port conventions:
//   - nil: the operation completed immediately, its completion will still be
//     delivered through the port
//   - ErrIOPending: the operation is in progress, its completion will be
//     delivered through the port
//   - ErrPipeConnected (Connect only): a client connected before the call, no
//     completion will be delivered
//   - any other error: the operation failed, no completion will be delivered
type File interface {
	// Connect waits for a client to connect to a server instance.
	Connect(op *Overlapped) error

	// ReadAsync starts an asynchronous read into b. The handles only ever use
	// zero-length reads, as a data-available probe.
	ReadAsync(op *Overlapped, b []byte) error

	// Read performs a synchronous read. In non-blocking mode it fails with
	// ErrNoData if nothing is buffered. It returns (0, nil) once the peer has
	// closed and all data is consumed.
	Read(b []byte) (int, error)

	// WriteAsync starts an asynchronous write of b.
	WriteAsync(op *Overlapped, b []byte) error

	// SetNonblocking switches the read mode of the file.
	SetNonblocking(nonblocking bool) error

	// Close closes the file. Outstanding operations complete with
	// ErrOperationAborted.
	Close() error
}

// Overlapped is the record of a single asynchronous operation, as exchanged
// with a Port. Each request owns exactly one, which must not be reused while
// the operation is outstanding.
type Overlapped struct {
	// sys must be the first field, the Windows port converts OS completion
	// records back to *Overlapped.
	sys sysOverlapped

	owner completer

	// Err is the outcome of the operation, set by the Sys implementation.
	Err error

	// Bytes is the number of bytes transferred.
	Bytes int
}

// reset clears the outcome, before the Overlapped is reused.
func (o *Overlapped) reset() {
	o.sys = sysOverlapped{}
	o.Err = nil
	o.Bytes = 0
}
