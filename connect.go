package pipeloop

import (
	"context"
	"errors"
	"fmt"
)

// Connect connects p to the server named name, invoking cb exactly once with
// the outcome, on a later iteration of the loop.
//
// If the server exists but has no free instance, the connect is handed to a
// worker, which waits for an instance (see WithConnectRetryTimeout) without
// bound. Cancelling ctx, or closing p, abandons the wait at the next retry.
// Other failures to open the pipe are returned synchronously, and cb is not
// called.
func (p *Pipe) Connect(ctx context.Context, name string, cb ConnectCallback) (*ConnectRequest, error) {
	if err := p.loop.checkThread(); err != nil {
		return nil, err
	}
	if name == "" || p.server != nil || p.conn != nil {
		return nil, ErrInvalidArgument
	}
	if p.state != HandleOpen {
		return nil, ErrHandleClosing
	}
	if ctx == nil {
		ctx = context.Background()
	}

	l := p.loop
	req := &ConnectRequest{cb: cb, loop: l}
	req.init(req, p.id)

	file, err := l.sys.Open(name)
	if errors.Is(err, ErrPipeBusy) {
		if err := p.connectRetry(ctx, req, name); err != nil {
			return nil, err
		}
		return req, nil
	}
	if err != nil {
		err = osError("CreateFile", err)
		l.setLastError(err)
		return nil, err
	}

	if err := p.attach(file); err != nil {
		_ = file.Close()
		l.setLastError(err)
		return nil, err
	}

	p.conn = newConnRole(p)
	l.insertPending(req)
	p.reqsPending++

	return req, nil
}

// connectRetry hands the connect to a worker, which waits for a free server
// instance. The worker only ever writes the outcome into req, then posts it.
func (p *Pipe) connectRetry(ctx context.Context, req *ConnectRequest, name string) error {
	l := p.loop
	ctx, cancel := context.WithCancel(ctx)

	req.retry = true
	p.name = name
	p.conn = newConnRole(p)
	p.cancelConnect = cancel
	l.track(&req.request)
	p.reqsPending++

	l.logger.Debug().
		Uint64(`handle`, uint64(p.id)).
		Str(`name`, name).
		Log(`pipe busy, waiting for a free instance`)

	if err := l.workers.Submit(func() { l.connectWorker(ctx, req, name) }); err != nil {
		err = fmt.Errorf("%w: %w", ErrConnectWorkersBusy, err)
		cancel()
		delete(l.inflight, &req.request)
		p.reqsPending--
		p.name = ""
		p.conn = nil
		p.cancelConnect = nil
		l.setLastError(err)
		return err
	}

	return nil
}

// connectWorker runs off the loop goroutine. It must not touch p.
func (l *Loop) connectWorker(ctx context.Context, req *ConnectRequest, name string) {
	var (
		file File
		err  error
	)
	for {
		if err = ctx.Err(); err != nil {
			break
		}
		l.metrics.connectRetries.Add(1)
		if err = l.sys.Wait(name, l.opts.connectRetryTimeout); err != nil {
			if errors.Is(err, ErrWaitTimeout) {
				continue
			}
			err = osError("WaitNamedPipe", err)
			break
		}
		// another client may take the instance first
		if file, err = l.sys.Open(name); err == nil {
			break
		} else if !errors.Is(err, ErrPipeBusy) {
			err = osError("CreateFile", err)
			break
		}
	}

	req.file = file
	req.op.Err = err

	if perr := l.port.Post(&req.op); perr != nil {
		// the loop is gone
		if file != nil {
			_ = file.Close()
		}
		l.logger.Err().
			Str(`name`, name).
			Err(perr).
			Log(`failed to post connect completion`)
	}
}

// processConnect handles the completion of a connect, on the loop.
func (p *Pipe) processConnect(req *ConnectRequest) {
	defer p.decreasePending()

	l := p.loop
	if p.cancelConnect != nil {
		p.cancelConnect()
		p.cancelConnect = nil
	}

	err := req.op.Err
	if file := req.file; file != nil {
		req.file = nil
		if p.state.closing() {
			_ = file.Close()
		} else if err = p.attach(file); err != nil {
			_ = file.Close()
		}
	}

	if p.state.closing() && (err == nil || errors.Is(err, context.Canceled)) {
		err = ErrHandleClosing
	}

	req.op.Err = err
	if err == nil {
		p.conn.established = true
		l.metrics.connects.Add(1)
	} else {
		l.setLastError(err)
	}

	if cb := req.cb; cb != nil {
		l.safeExecute(func() { cb(req, statusOf(err), err) })
	}
}

func newConnRole(p *Pipe) *connRole {
	c := &connRole{}
	c.readReq.init(&c.readReq, p.id)
	return c
}
