package pipeloop

import (
	"errors"
)

// Listen starts accepting connections, arming every accept slot. The
// callback is invoked once per connection, which must then be claimed with
// Accept. Failed slots are re-armed without notifying the callback.
func (p *Pipe) Listen(cb ConnectionCallback) error {
	if err := p.loop.checkThread(); err != nil {
		return err
	}
	if (p.server != nil && p.server.listening) || p.IsReading() {
		return ErrAlreadyListening
	}
	if p.server == nil {
		return ErrNotSupported
	}
	if p.state != HandleOpen {
		return ErrHandleClosing
	}

	p.server.listening = true
	p.server.onConnection = cb

	for i := range p.server.slots {
		p.queueAccept(&p.server.slots[i])
	}

	return nil
}

// queueAccept arms a slot: a new server instance, waiting for a client.
// Failures are delivered as completions, so the slot is retried from
// processAccept.
func (p *Pipe) queueAccept(slot *acceptSlot) {
	if slot.file != nil || slot.state != slotIdle {
		panic(errors.New(`pipeloop: accept slot armed twice`))
	}

	l := p.loop
	slot.op.reset()
	slot.state = slotArmed
	p.reqsPending++

	file, err := l.sys.CreateInstance(p.name)
	if err != nil {
		slot.op.Err = osError("CreateNamedPipe", err)
		l.insertPending(slot)
		return
	}

	if err := l.port.Associate(file, p.id); err != nil {
		_ = file.Close()
		slot.op.Err = osError("CreateIoCompletionPort", err)
		l.insertPending(slot)
		return
	}

	switch err := file.Connect(&slot.op); {
	case err == nil, errors.Is(err, ErrIOPending):
		slot.file = file
		l.track(&slot.request)
	case errors.Is(err, ErrPipeConnected):
		// the client beat us to it, there will be no completion
		slot.file = file
		slot.op.Err = nil
		l.insertPending(slot)
	default:
		_ = file.Close()
		slot.op.Err = osError("ConnectNamedPipe", err)
		l.insertPending(slot)
	}
}

// processAccept handles the completion of an armed slot.
func (p *Pipe) processAccept(slot *acceptSlot) {
	defer p.decreasePending()

	l := p.loop
	err := slot.op.Err

	if err == nil && slot.file != nil && !p.state.closing() {
		slot.state = slotPending
		p.server.pendingAccepts = append(p.server.pendingAccepts, slot.index)
		if cb := p.server.onConnection; cb != nil {
			l.safeExecute(func() { cb(p, 0) })
		}
		return
	}

	if slot.file != nil {
		_ = slot.file.Close()
		slot.file = nil
	}
	slot.state = slotIdle

	if p.state.closing() {
		return
	}

	if err == nil {
		err = ErrFileClosed
	}
	l.metrics.acceptFailures.Add(1)
	if l.allowLog(slotKey{p.id, slot.index}) {
		l.logger.Warning().
			Uint64(`handle`, uint64(p.id)).
			Int(`slot`, slot.index).
			Err(err).
			Log(`accept slot failed, re-arming`)
	}

	p.queueAccept(slot)
}

// slotKey is the rate limiting category for accept slot warnings.
type slotKey struct {
	handle HandleID
	slot   int
}

// Accept hands the most recently completed pending connection to client,
// which must be a fresh handle from NewPipe. The vacated slot is re-armed.
// It fails with ErrWouldBlock if there is no pending connection.
func (p *Pipe) Accept(client *Pipe) error {
	if err := p.loop.checkThread(); err != nil {
		return err
	}
	if p.server == nil {
		return ErrNotSupported
	}
	if p.state.closing() {
		return ErrHandleClosing
	}
	if client == nil || client == p || client.loop != p.loop ||
		client.server != nil || client.conn != nil || client.state != HandleOpen {
		return ErrInvalidArgument
	}

	srv := p.server
	n := len(srv.pendingAccepts)
	if n == 0 {
		return ErrWouldBlock
	}
	i := srv.pendingAccepts[n-1]
	srv.pendingAccepts = srv.pendingAccepts[:n-1]
	slot := &srv.slots[i]

	client.conn = newConnRole(client)
	client.conn.established = true
	client.file = slot.file

	slot.file = nil
	slot.op.reset()
	slot.state = slotIdle

	p.loop.metrics.accepts.Add(1)
	p.loop.logger.Debug().
		Uint64(`handle`, uint64(p.id)).
		Uint64(`client`, uint64(client.id)).
		Int(`slot`, i).
		Log(`accepted connection`)

	if srv.listening {
		p.queueAccept(slot)
	}

	return nil
}
