package pipeloop

import (
	"context"
	"fmt"
)

type (
	// ConnectionCallback is invoked once per connection that completes on a
	// listening server, as a readiness signal. Call Accept to claim it.
	// The status is always 0.
	ConnectionCallback func(server *Pipe, status int)

	// ConnectCallback receives the outcome of Connect, exactly once. The
	// status is 0 on success, or -1 with err describing the failure.
	ConnectCallback func(req *ConnectRequest, status int, err error)

	// AllocCallback supplies the buffer for the next read. Returning an empty
	// buffer stops reading, with ErrNoBuffers.
	AllocCallback func(p *Pipe, suggestedSize int) []byte

	// ReadCallback receives data read from a connection.
	//
	//   - nread > 0: buf[:nread] holds data
	//   - nread == 0: nothing was available, err is ErrWouldBlock
	//   - nread == -1: reading has stopped, err is ErrEOF if the peer closed
	ReadCallback func(p *Pipe, nread int, buf []byte, err error)

	// WriteCallback receives the outcome of Write, exactly once. The status is
	// 0 on success, or -1 with err describing the failure.
	WriteCallback func(req *WriteRequest, status int, err error)

	// ShutdownCallback is invoked once a shutdown completes, after every
	// outstanding write.
	ShutdownCallback func(p *Pipe, status int, err error)

	// CloseCallback is invoked once every request against a closed handle has
	// completed. It is the last callback for the handle.
	CloseCallback func(p *Pipe)
)

// Pipe is a named-pipe endpoint, either a listening server (after Bind) or a
// connection (after Connect, or Accept from a server).
//
// Pipe methods must be called from the loop goroutine, i.e. from callbacks,
// via Loop.Submit, or before Run. No callback is ever invoked from within the
// call that issued its operation.
type Pipe struct {
	loop  *Loop
	id    HandleID
	state HandleState

	file File
	name string

	// exactly one role is set once the pipe is bound, connecting, or accepted
	server *serverRole
	conn   *connRole

	// reqsPending counts every outstanding request, including the shutdown
	reqsPending int
	// writeReqsPending counts outstanding writes only
	writeReqsPending int
	// writeQueueSize is the number of bytes of writes that pended
	writeQueueSize int

	shutdownReq   *shutdownRequest
	closeCb       CloseCallback
	closeErr      error
	cancelConnect context.CancelFunc
	endgameQueued bool
}

type serverRole struct {
	slots []acceptSlot
	// pendingAccepts is a stack of slot indices, newest last
	pendingAccepts []int
	listening      bool
	onConnection   ConnectionCallback
}

type connRole struct {
	// established is set once connected, either by a successful connect or by
	// Accept
	established bool
	read        readState
	readReq     readRequest
	alloc       AllocCallback
	onRead      ReadCallback
}

// NewPipe initializes a new, unbound pipe handle. The handle keeps Run from
// returning until it is closed.
func (l *Loop) NewPipe() *Pipe {
	l.nextID++
	p := &Pipe{
		loop: l,
		id:   l.nextID,
	}
	l.handles[p.id] = p
	return p
}

// Bind makes p a server for name. The name is passed through to the Sys
// implementation unmodified, e.g. `\\.\pipe\example` on Windows.
func (p *Pipe) Bind(name string) error {
	if err := p.loop.checkThread(); err != nil {
		return err
	}
	if name == "" || p.server != nil || p.conn != nil {
		return ErrInvalidArgument
	}
	if p.state.closing() {
		return ErrHandleClosing
	}

	slots := make([]acceptSlot, p.loop.opts.acceptSlots)
	for i := range slots {
		slot := &slots[i]
		slot.index = i
		slot.init(slot, p.id)
	}

	p.name = name
	p.server = &serverRole{slots: slots}

	p.loop.logger.Debug().
		Uint64(`handle`, uint64(p.id)).
		Str(`name`, name).
		Int(`slots`, len(slots)).
		Log(`pipe bound`)

	return nil
}

// Loop returns the loop the handle belongs to.
func (p *Pipe) Loop() *Loop { return p.loop }

// ID returns the identifier of the handle within its loop.
func (p *Pipe) ID() HandleID { return p.id }

// State returns the lifecycle state of the handle.
func (p *Pipe) State() HandleState { return p.state }

// Name returns the name the handle was bound or is connecting to. It is
// cleared once the handle releases its resources.
func (p *Pipe) Name() string { return p.name }

// IsServer reports whether the handle has been bound.
func (p *Pipe) IsServer() bool { return p.server != nil }

// IsConnection reports whether the handle is an established connection.
func (p *Pipe) IsConnection() bool { return p.conn != nil && p.conn.established }

// IsListening reports whether Listen has been called, and Close has not.
func (p *Pipe) IsListening() bool { return p.server != nil && p.server.listening }

// IsReading reports whether read callbacks are wanted.
func (p *Pipe) IsReading() bool { return p.conn != nil && p.conn.read.reading() }

// ReqsPending returns the number of outstanding requests.
func (p *Pipe) ReqsPending() int { return p.reqsPending }

// WriteReqsPending returns the number of outstanding writes.
func (p *Pipe) WriteReqsPending() int { return p.writeReqsPending }

// WriteQueueSize returns the number of bytes of outstanding writes that
// could not be completed immediately.
func (p *Pipe) WriteQueueSize() int { return p.writeQueueSize }

// PendingAccepts returns the number of connections waiting for Accept.
func (p *Pipe) PendingAccepts() int {
	if p.server == nil {
		return 0
	}
	return len(p.server.pendingAccepts)
}

// ArmedSlots returns the number of accept slots waiting for a client.
func (p *Pipe) ArmedSlots() (n int) {
	if p.server == nil {
		return 0
	}
	for i := range p.server.slots {
		if p.server.slots[i].state == slotArmed {
			n++
		}
	}
	return n
}

// String implements fmt.Stringer.
func (p *Pipe) String() string {
	role := "unbound"
	switch {
	case p.server != nil:
		role = "server"
	case p.conn != nil:
		role = "connection"
	}
	return fmt.Sprintf("pipe(%d, %s, %s)", p.id, role, p.state)
}

// setState moves the handle along its lifecycle, panicking on an illegal
// transition.
func (p *Pipe) setState(to HandleState) {
	if !p.state.canTransition(to) {
		panic(fmt.Errorf(`pipeloop: illegal handle transition %s -> %s`, p.state, to))
	}
	p.state = to
}

// decreasePending marks one request as complete, queueing the endgame once a
// closing handle has drained.
func (p *Pipe) decreasePending() {
	p.reqsPending--
	if p.reqsPending < 0 {
		panic(fmt.Errorf(`pipeloop: negative pending request count on %s`, p))
	}
	if p.state.closing() && p.reqsPending == 0 {
		p.loop.wantEndgame(p)
	}
}

// attach binds an opened file to the loop's port, as the file of a client
// handle.
func (p *Pipe) attach(f File) error {
	if err := f.SetNonblocking(false); err != nil {
		return osError("SetNamedPipeHandleState", err)
	}
	if err := p.loop.port.Associate(f, p.id); err != nil {
		return osError("CreateIoCompletionPort", err)
	}
	p.file = f
	return nil
}
