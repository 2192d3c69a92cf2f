package pipeloop

import (
	"errors"
)

// Shutdown closes the connection once every outstanding write has
// completed, then invokes cb. Writes issued after Shutdown fail with ErrEOF.
func (p *Pipe) Shutdown(cb ShutdownCallback) error {
	if err := p.loop.checkThread(); err != nil {
		return err
	}
	if !p.IsConnection() {
		return ErrInvalidArgument
	}
	switch p.state {
	case HandleShutting, HandleShut:
		return ErrShutdownInProgress
	case HandleClosing, HandleClosed:
		return ErrHandleClosing
	}

	p.setState(HandleShutting)
	p.shutdownReq = &shutdownRequest{cb: cb}
	p.reqsPending++
	p.loop.wantEndgame(p)

	return nil
}

// Close closes the handle. Reading and listening stop immediately, and the
// OS resources are released, aborting outstanding operations. Every
// outstanding request still completes, with its callback, after which cb is
// invoked and the handle is released from the loop.
func (p *Pipe) Close(cb CloseCallback) error {
	if err := p.loop.checkThread(); err != nil {
		return err
	}
	if p.state.closing() {
		return ErrHandleClosing
	}

	if p.conn != nil {
		p.conn.read = p.conn.read.stopped()
	}
	if p.server != nil {
		p.server.listening = false
	}
	if p.cancelConnect != nil {
		p.cancelConnect()
		p.cancelConnect = nil
	}

	p.closeCb = cb
	if p.state != HandleShut {
		p.closeErr = p.closeResources()
	}
	p.setState(HandleClosing)
	p.loop.wantEndgame(p)

	p.loop.logger.Debug().
		Uint64(`handle`, uint64(p.id)).
		Int(`reqs_pending`, p.reqsPending).
		Log(`closing pipe`)

	return nil
}

// endgame runs the parts of the closing sequence that have become possible:
// the shutdown once writes have drained, then the release of the handle once
// every request has.
func (p *Pipe) endgame() {
	l := p.loop

	if p.shutdownReq != nil && p.writeReqsPending == 0 {
		req := p.shutdownReq
		p.shutdownReq = nil

		var err error
		if p.state == HandleShutting {
			err = p.closeResources()
			p.setState(HandleShut)
		} else {
			err = p.closeErr
		}
		if err != nil {
			l.setLastError(err)
		}

		if cb := req.cb; cb != nil {
			l.safeExecute(func() { cb(p, statusOf(err), err) })
		}
		p.reqsPending--
	}

	if p.state == HandleClosing && p.reqsPending == 0 {
		p.setState(HandleClosed)
		delete(l.handles, p.id)

		l.logger.Debug().
			Uint64(`handle`, uint64(p.id)).
			Log(`pipe closed`)

		if cb := p.closeCb; cb != nil {
			p.closeCb = nil
			l.safeExecute(func() { cb(p) })
		}
	}
}

// closeResources releases the name and every OS handle. Each is closed at
// most once.
func (p *Pipe) closeResources() error {
	var errs []error

	p.name = ""

	if srv := p.server; srv != nil {
		for i := range srv.slots {
			slot := &srv.slots[i]
			if slot.file != nil {
				errs = append(errs, slot.file.Close())
				slot.file = nil
			}
			if slot.state == slotPending {
				slot.state = slotIdle
			}
		}
		srv.pendingAccepts = nil
	}

	if p.file != nil {
		errs = append(errs, p.file.Close())
		p.file = nil
	}

	if err := errors.Join(errs...); err != nil {
		return osError("CloseHandle", err)
	}
	return nil
}
