package pipeloop

import (
	"errors"
)

// ReadStart starts delivering data read from the connection to read, using
// buffers supplied by alloc.
//
// Reading alternates between waiting on a zero-length read, which completes
// once data is available, and draining what is available with non-blocking
// reads. A drain that finds nothing reports a zero-byte read.
func (p *Pipe) ReadStart(alloc AllocCallback, read ReadCallback) error {
	if err := p.loop.checkThread(); err != nil {
		return err
	}
	if alloc == nil || read == nil || !p.IsConnection() {
		return ErrInvalidArgument
	}
	if p.state.closing() {
		return ErrHandleClosing
	}
	if p.file == nil {
		// released by Shutdown
		return ErrEOF
	}

	c := p.conn
	switch c.read {
	case readProbing, readDraining:
		return ErrAlreadyReading
	case readEOF:
		return ErrEOF
	}

	c.alloc = alloc
	c.onRead = read

	switch c.read {
	case readStoppedProbing:
		// the previous probe is still outstanding
		c.read = readProbing
	case readStoppedDraining:
		// restarted from within a read callback
		c.read = readDraining
	default:
		c.read = readProbing
		p.queueRead()
	}

	return nil
}

// ReadStop stops delivering read callbacks, effective immediately, including
// from within a read callback.
func (p *Pipe) ReadStop() error {
	if err := p.loop.checkThread(); err != nil {
		return err
	}
	if p.conn == nil {
		return ErrInvalidArgument
	}
	p.conn.read = p.conn.read.stopped()
	return nil
}

// queueRead issues the zero-length probe.
func (p *Pipe) queueRead() {
	l := p.loop
	req := &p.conn.readReq
	req.op.reset()
	p.reqsPending++

	if err := p.file.ReadAsync(&req.op, nil); err != nil && !errors.Is(err, ErrIOPending) {
		req.op.Err = osError("ReadFile", err)
		l.insertPending(req)
		return
	}

	l.track(&req.request)
}

// processRead handles the completion of the probe, draining the connection.
func (p *Pipe) processRead(req *readRequest) {
	defer p.decreasePending()

	c := p.conn

	switch c.read {
	case readProbing:
	case readStoppedProbing:
		c.read = readIdle
		return
	default:
		panic(errors.New(`pipeloop: read completion without a probe`))
	}

	err := req.op.Err
	if err == nil && p.file == nil {
		// released by Shutdown while the completion was queued
		err = ErrFileClosed
	}
	if err != nil {
		if errors.Is(err, ErrBrokenPipe) {
			c.read = readEOF
			p.deliverRead(-1, nil, ErrEOF)
		} else {
			c.read = readIdle
			p.deliverRead(-1, nil, osError("ReadFile", err))
		}
		return
	}

	if err := p.file.SetNonblocking(true); err != nil {
		c.read = readIdle
		p.deliverRead(-1, nil, osError("SetNamedPipeHandleState", err))
		return
	}

	c.read = readDraining
	p.drain()

	switch c.read {
	case readDraining:
		if err := p.file.SetNonblocking(false); err != nil {
			c.read = readIdle
			p.deliverRead(-1, nil, osError("SetNamedPipeHandleState", err))
			return
		}
		c.read = readProbing
		p.queueRead()

	case readStoppedDraining:
		// the file is nil if a callback closed the handle
		if p.file != nil {
			if err := p.file.SetNonblocking(false); err != nil {
				p.loop.setLastError(osError("SetNamedPipeHandleState", err))
			}
		}
		c.read = readIdle
	}
}

// drain performs non-blocking reads until a short read, no data, or an
// error, or until a callback stops reading.
func (p *Pipe) drain() {
	c := p.conn
	size := p.loop.opts.readBufferSize

	for c.read == readDraining {
		buf := c.alloc(p, size)
		if len(buf) == 0 {
			c.read = readStoppedDraining
			p.deliverRead(-1, buf, ErrNoBuffers)
			return
		}

		n, err := p.file.Read(buf)
		switch {
		case err == nil && n > 0:
			p.deliverRead(n, buf, nil)
			if n < len(buf) {
				return
			}

		case err == nil:
			c.read = readEOF
			p.deliverRead(-1, buf, ErrEOF)
			return

		case errors.Is(err, ErrNoData):
			p.deliverRead(0, buf, ErrWouldBlock)
			return

		default:
			c.read = readStoppedDraining
			p.deliverRead(-1, buf, osError("ReadFile", err))
			return
		}
	}
}

func (p *Pipe) deliverRead(n int, buf []byte, err error) {
	l := p.loop
	if n > 0 {
		l.metrics.bytesRead.Add(uint64(n))
	}
	if err != nil {
		l.setLastError(err)
	}
	if cb := p.conn.onRead; cb != nil {
		l.safeExecute(func() { cb(p, n, buf, err) })
	}
}
