package pipeloop

import (
	"errors"
)

// Write writes bufs, which must hold exactly one buffer, invoking cb exactly
// once with the outcome. The buffer must not be modified until then.
//
// A write that cannot complete immediately is charged against
// WriteQueueSize until it completes. Writes fail with ErrEOF once Shutdown
// has been called.
func (p *Pipe) Write(bufs [][]byte, cb WriteCallback) (*WriteRequest, error) {
	if err := p.loop.checkThread(); err != nil {
		return nil, err
	}
	if len(bufs) != 1 {
		return nil, ErrNotSupported
	}
	if !p.IsConnection() {
		return nil, ErrInvalidArgument
	}
	switch p.state {
	case HandleShutting, HandleShut:
		return nil, ErrEOF
	case HandleClosing, HandleClosed:
		return nil, ErrHandleClosing
	}

	l := p.loop
	req := &WriteRequest{cb: cb, buf: bufs[0]}
	req.init(req, p.id)

	switch err := p.file.WriteAsync(&req.op, req.buf); {
	case err == nil:
		req.queued = 0
	case errors.Is(err, ErrIOPending):
		req.queued = len(req.buf)
		p.writeQueueSize += req.queued
	default:
		err = osError("WriteFile", err)
		l.setLastError(err)
		return nil, err
	}

	l.track(&req.request)
	p.reqsPending++
	p.writeReqsPending++

	return req, nil
}

// processWrite handles the completion of a write.
func (p *Pipe) processWrite(req *WriteRequest) {
	defer p.decreasePending()

	l := p.loop
	p.writeQueueSize -= req.queued

	err := req.op.Err
	if err != nil {
		err = osError("WriteFile", err)
		req.op.Err = err
		l.setLastError(err)
	} else {
		l.metrics.bytesWritten.Add(uint64(req.op.Bytes))
	}

	if cb := req.cb; cb != nil {
		l.safeExecute(func() { cb(req, statusOf(err), err) })
	}

	p.writeReqsPending--
	if p.writeReqsPending == 0 && p.shutdownReq != nil {
		l.wantEndgame(p)
	}
}
