package pipeloop

// HandleID identifies a Pipe within its Loop. Requests refer to their handle
// by id, never by pointer, so a completion can never reach a handle that has
// already been released.
type HandleID uint64

// completer is implemented by every request type, and is what a completed
// Overlapped routes back to.
type completer interface {
	base() *request
}

// request is the part shared by every outstanding operation.
type request struct {
	op     Overlapped
	handle HandleID
}

func (r *request) base() *request { return r }

// init binds the request to its owner and handle. It must be called once,
// before the request is first issued.
func (r *request) init(owner completer, handle HandleID) {
	r.op.owner = owner
	r.handle = handle
}

// slotState is the position of an accept slot in its cycle.
type slotState uint8

const (
	// not armed, e.g. before Listen, or after Close aborted it
	slotIdle slotState = iota
	// waiting for a client, or for its completion to be dispatched
	slotArmed
	// connected, waiting in the pending-accept queue
	slotPending
)

// acceptSlot is one pre-armed server instance. Slots live in a fixed arena
// on the server, and are addressed by index.
type acceptSlot struct {
	request
	file  File
	index int
	state slotState
}

// readRequest is the zero-length probe of a connection.
type readRequest struct {
	request
}

// ConnectRequest is an in-flight client connect, see Pipe.Connect.
type ConnectRequest struct {
	request

	cb   ConnectCallback
	loop *Loop

	// file is the handle obtained by the retry worker, written once before the
	// completion is posted, and read by the loop only after it is received
	file File

	retry bool
}

// Pipe returns the handle being connected. It returns nil once the handle
// has been closed.
func (r *ConnectRequest) Pipe() *Pipe {
	return r.loop.handles[r.handle]
}

// Retried reports whether the connect was handed to the retry worker, because
// the server had no free instance.
func (r *ConnectRequest) Retried() bool {
	return r.retry
}

// Err returns the outcome of the connect, valid once the callback runs.
func (r *ConnectRequest) Err() error {
	return r.op.Err
}

// WriteRequest is an in-flight write, see Pipe.Write.
type WriteRequest struct {
	request

	cb  WriteCallback
	buf []byte

	// queued is the amount charged against the handle's write queue size
	queued int
}

// QueuedBytes returns the amount this write added to the write queue size of
// its handle, zero if the write completed immediately.
func (r *WriteRequest) QueuedBytes() int {
	return r.queued
}

// Len returns the length of the buffer being written.
func (r *WriteRequest) Len() int {
	return len(r.buf)
}

// Err returns the outcome of the write, valid once the callback runs.
func (r *WriteRequest) Err() error {
	return r.op.Err
}

// shutdownRequest is not a port request, it only holds the handle open (by
// counting towards its pending requests) until the endgame runs.
type shutdownRequest struct {
	cb ShutdownCallback
}

// taskRequest carries a function submitted from another goroutine.
type taskRequest struct {
	request
	fn func()
}
