package pipeloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultMemoryBufferSize is the default capacity of each direction of a
// MemorySys connection.
const DefaultMemoryBufferSize = 65536

// MemoryConfig configures NewMemorySys.
type MemoryConfig struct {
	// BufferSize is the capacity of each direction of a connection. Writes
	// that do not fit pend until the reader makes room. Defaults to
	// DefaultMemoryBufferSize.
	BufferSize int
}

// MemorySys is an in-process Sys, with a private pipe namespace. It follows
// the completion semantics of Windows named pipes, and is the default Sys on
// other platforms.
type MemorySys struct {
	mu      sync.Mutex
	size    int
	pipes   map[string]*memPipe
	changed chan struct{}
}

// NewMemorySys returns a new MemorySys, with an empty namespace.
func NewMemorySys(cfg MemoryConfig) *MemorySys {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultMemoryBufferSize
	}
	return &MemorySys{
		size:    cfg.BufferSize,
		pipes:   make(map[string]*memPipe),
		changed: make(chan struct{}),
	}
}

var errNotConnected = fmt.Errorf("%w: pipe not connected", ErrInvalidArgument)

type memPipe struct {
	instances []*memFile
}

type memFile struct {
	sys    *MemorySys
	name   string
	server bool

	port *memPort
	key  HandleID

	peer        *memFile
	connected   bool
	closed      bool
	peerClosed  bool
	nonblocking bool

	// inbox holds data written by the peer, not yet read
	inbox []byte

	connectOp *Overlapped
	probe     *Overlapped
	probeBuf  []byte

	// pendingWrites holds writes to the peer that did not fit its inbox
	pendingWrites []*memWrite
}

type memWrite struct {
	op  *Overlapped
	buf []byte
	off int
}

// broadcast wakes every goroutine waiting on a change, must be called with
// s.mu held.
func (s *MemorySys) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// NewPort implements Sys.
func (s *MemorySys) NewPort() (Port, error) {
	return &memPort{sys: s, signal: make(chan struct{}, 1)}, nil
}

// CreateInstance implements Sys.
func (s *MemorySys) CreateInstance(name string) (File, error) {
	if name == "" {
		return nil, ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f := &memFile{sys: s, name: name, server: true}
	p := s.pipes[name]
	if p == nil {
		p = &memPipe{}
		s.pipes[name] = p
	}
	p.instances = append(p.instances, f)
	s.broadcast()
	return f, nil
}

// Open implements Sys.
func (s *MemorySys) Open(name string) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open(name)
}

func (s *MemorySys) open(name string) (*memFile, error) {
	inst, err := s.free(name)
	if err != nil {
		return nil, err
	}

	c := &memFile{sys: s, name: name, peer: inst, connected: true}
	inst.peer = c
	inst.connected = true
	if op := inst.connectOp; op != nil {
		inst.connectOp = nil
		inst.complete(op, nil, 0)
	}
	s.broadcast()

	return c, nil
}

// free returns an instance of name that no client has connected to.
func (s *MemorySys) free(name string) (*memFile, error) {
	p := s.pipes[name]
	if p == nil || len(p.instances) == 0 {
		return nil, ErrPipeNotFound
	}
	for _, inst := range p.instances {
		if !inst.connected {
			return inst, nil
		}
	}
	return nil, ErrPipeBusy
}

// Wait implements Sys.
func (s *MemorySys) Wait(name string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	return s.waitFree(name, nil, timer.C)
}

func (s *MemorySys) waitFree(name string, done <-chan struct{}, expired <-chan time.Time) error {
	for {
		s.mu.Lock()
		_, err := s.free(name)
		changed := s.changed
		s.mu.Unlock()

		if !errors.Is(err, ErrPipeBusy) {
			return err
		}

		select {
		case <-changed:
		case <-done:
			return ErrOperationAborted
		case <-expired:
			return ErrWaitTimeout
		}
	}
}

// Dial connects to the named pipe as a plain blocking client, waiting for a
// free instance until ctx is done.
func (s *MemorySys) Dial(ctx context.Context, name string) (io.ReadWriteCloser, error) {
	for {
		s.mu.Lock()
		f, err := s.open(name)
		s.mu.Unlock()
		if err == nil {
			return &memConn{f: f}, nil
		}
		if !errors.Is(err, ErrPipeBusy) {
			return nil, err
		}
		if err := s.waitFree(name, ctx.Done(), nil); errors.Is(err, ErrOperationAborted) {
			return nil, ctx.Err()
		} else if err != nil {
			return nil, err
		}
	}
}

// complete records the outcome of op and delivers it, must be called with
// s.mu held.
func (f *memFile) complete(op *Overlapped, err error, n int) {
	op.Err = err
	op.Bytes = n
	if f.port != nil {
		_ = f.port.Post(op)
	}
}

func (f *memFile) checkAsync() error {
	if f.closed {
		return ErrFileClosed
	}
	if f.port == nil {
		return fmt.Errorf("%w: file not associated with a port", ErrInvalidArgument)
	}
	return nil
}

// Connect implements File.
func (f *memFile) Connect(op *Overlapped) error {
	f.sys.mu.Lock()
	defer f.sys.mu.Unlock()
	if err := f.checkAsync(); err != nil {
		return err
	}
	if !f.server || f.connectOp != nil {
		return ErrInvalidArgument
	}
	if f.connected {
		return ErrPipeConnected
	}
	f.connectOp = op
	return ErrIOPending
}

// ReadAsync implements File.
func (f *memFile) ReadAsync(op *Overlapped, b []byte) error {
	f.sys.mu.Lock()
	defer f.sys.mu.Unlock()
	if err := f.checkAsync(); err != nil {
		return err
	}
	if f.probe != nil {
		return ErrInvalidArgument
	}
	if len(f.inbox) != 0 {
		f.complete(op, nil, f.consume(b))
		return nil
	}
	if f.peerClosed {
		return ErrBrokenPipe
	}
	f.probe = op
	f.probeBuf = b
	return ErrIOPending
}

// consume moves buffered data into b, making room for the peer's pending
// writes, must be called with s.mu held.
func (f *memFile) consume(b []byte) int {
	n := copy(b, f.inbox)
	if n == 0 {
		return 0
	}
	f.inbox = f.inbox[n:]
	if len(f.inbox) == 0 {
		f.inbox = nil
	}
	if f.peer != nil {
		f.peer.flushWrites()
	}
	f.sys.broadcast()
	return n
}

// readable completes an outstanding probe, once data arrived or the peer
// closed, must be called with s.mu held.
func (f *memFile) readable() {
	op := f.probe
	if op == nil {
		return
	}
	switch {
	case len(f.inbox) != 0:
		f.probe = nil
		f.complete(op, nil, f.consume(f.probeBuf))
		f.probeBuf = nil
	case f.peerClosed:
		f.probe = nil
		f.probeBuf = nil
		f.complete(op, ErrBrokenPipe, 0)
	}
}

// Read implements File.
func (f *memFile) Read(b []byte) (int, error) {
	s := f.sys
	for {
		s.mu.Lock()
		if f.closed {
			s.mu.Unlock()
			return 0, ErrFileClosed
		}
		if len(f.inbox) != 0 {
			n := f.consume(b)
			s.mu.Unlock()
			return n, nil
		}
		if f.peerClosed || len(b) == 0 {
			s.mu.Unlock()
			return 0, nil
		}
		if f.nonblocking {
			s.mu.Unlock()
			return 0, ErrNoData
		}
		changed := s.changed
		s.mu.Unlock()
		<-changed
	}
}

// WriteAsync implements File.
func (f *memFile) WriteAsync(op *Overlapped, b []byte) error {
	f.sys.mu.Lock()
	defer f.sys.mu.Unlock()
	if err := f.checkAsync(); err != nil {
		return err
	}
	if f.peerClosed {
		return ErrBrokenPipe
	}
	if f.peer == nil {
		return errNotConnected
	}
	if len(f.pendingWrites) == 0 && len(b) <= f.sys.size-len(f.peer.inbox) {
		f.peer.inbox = append(f.peer.inbox, b...)
		f.peer.readable()
		f.sys.broadcast()
		f.complete(op, nil, len(b))
		return nil
	}
	f.pendingWrites = append(f.pendingWrites, &memWrite{op: op, buf: b})
	f.flushWrites()
	return ErrIOPending
}

// flushWrites moves pending writes into the peer's inbox, as far as it has
// room, must be called with s.mu held.
func (f *memFile) flushWrites() {
	if len(f.pendingWrites) == 0 || f.peer == nil || f.peerClosed {
		return
	}
	moved := false
	for len(f.pendingWrites) != 0 {
		w := f.pendingWrites[0]
		room := f.sys.size - len(f.peer.inbox)
		if room <= 0 {
			break
		}
		k := min(room, len(w.buf)-w.off)
		f.peer.inbox = append(f.peer.inbox, w.buf[w.off:w.off+k]...)
		w.off += k
		moved = true
		if w.off < len(w.buf) {
			break
		}
		f.pendingWrites[0] = nil
		f.pendingWrites = f.pendingWrites[1:]
		f.complete(w.op, nil, len(w.buf))
	}
	if len(f.pendingWrites) == 0 {
		f.pendingWrites = nil
	}
	if moved {
		f.peer.readable()
		f.sys.broadcast()
	}
}

// SetNonblocking implements File.
func (f *memFile) SetNonblocking(nonblocking bool) error {
	f.sys.mu.Lock()
	defer f.sys.mu.Unlock()
	if f.closed {
		return ErrFileClosed
	}
	f.nonblocking = nonblocking
	return nil
}

// Close implements File.
func (f *memFile) Close() error {
	s := f.sys
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.closed {
		return ErrFileClosed
	}
	f.closed = true
	f.inbox = nil

	if op := f.connectOp; op != nil {
		f.connectOp = nil
		f.complete(op, ErrOperationAborted, 0)
	}
	if op := f.probe; op != nil {
		f.probe = nil
		f.probeBuf = nil
		f.complete(op, ErrOperationAborted, 0)
	}
	for _, w := range f.pendingWrites {
		f.complete(w.op, ErrOperationAborted, w.off)
	}
	f.pendingWrites = nil

	if peer := f.peer; peer != nil {
		peer.peerClosed = true
		peer.readable()
		for _, w := range peer.pendingWrites {
			peer.complete(w.op, ErrBrokenPipe, w.off)
		}
		peer.pendingWrites = nil
	}

	if f.server {
		if p := s.pipes[f.name]; p != nil {
			for i, inst := range p.instances {
				if inst == f {
					p.instances = append(p.instances[:i], p.instances[i+1:]...)
					break
				}
			}
			if len(p.instances) == 0 {
				delete(s.pipes, f.name)
			}
		}
	}

	s.broadcast()
	return nil
}

// memConn is the blocking client returned by MemorySys.Dial.
type memConn struct {
	f *memFile
}

func (c *memConn) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	n, err := c.f.Read(b)
	if err == nil && n == 0 {
		return 0, io.EOF
	}
	return n, err
}

func (c *memConn) Write(b []byte) (int, error) {
	f := c.f
	s := f.sys
	var n int
	for n < len(b) {
		s.mu.Lock()
		switch {
		case f.closed:
			s.mu.Unlock()
			return n, ErrFileClosed
		case f.peerClosed:
			s.mu.Unlock()
			return n, ErrBrokenPipe
		}
		if room := s.size - len(f.peer.inbox); room > 0 {
			k := min(room, len(b)-n)
			f.peer.inbox = append(f.peer.inbox, b[n:n+k]...)
			n += k
			f.peer.readable()
			s.broadcast()
			s.mu.Unlock()
			continue
		}
		changed := s.changed
		s.mu.Unlock()
		<-changed
	}
	return n, nil
}

func (c *memConn) Close() error {
	return c.f.Close()
}

// memPort is an unbounded completion queue.
type memPort struct {
	sys    *MemorySys
	mu     sync.Mutex
	queue  []*Overlapped
	signal chan struct{}
	woken  bool
	closed bool
}

func (p *memPort) notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Associate implements Port.
func (p *memPort) Associate(f File, id HandleID) error {
	mf, ok := f.(*memFile)
	if !ok || mf.sys != p.sys {
		return fmt.Errorf("%w: foreign file %T", ErrInvalidArgument, f)
	}
	mf.sys.mu.Lock()
	defer mf.sys.mu.Unlock()
	if mf.closed {
		return ErrFileClosed
	}
	if mf.port != nil && mf.port != p {
		return fmt.Errorf("%w: file already associated", ErrInvalidArgument)
	}
	mf.port = p
	mf.key = id
	return nil
}

// Post implements Port.
func (p *memPort) Post(op *Overlapped) error {
	if op == nil {
		return ErrInvalidArgument
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPortClosed
	}
	p.queue = append(p.queue, op)
	p.mu.Unlock()
	p.notify()
	return nil
}

// Wake implements Port.
func (p *memPort) Wake() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPortClosed
	}
	p.woken = true
	p.mu.Unlock()
	p.notify()
	return nil
}

// Wait implements Port.
func (p *memPort) Wait(ctx context.Context, timeout time.Duration, limit int, fn func(op *Overlapped)) error {
	if limit <= 0 {
		limit = 1
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPortClosed
		}
		if n := min(limit, len(p.queue)); n > 0 {
			batch := make([]*Overlapped, n)
			copy(batch, p.queue)
			p.queue = append(p.queue[:0], p.queue[n:]...)
			p.woken = false
			p.mu.Unlock()
			for _, op := range batch {
				fn(op)
			}
			return nil
		}
		if p.woken {
			p.woken = false
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()

		if timeout == 0 {
			return nil
		}

		select {
		case <-p.signal:
		case <-ctx.Done():
			return ctx.Err()
		case <-expired:
			return nil
		}
	}
}

// Close implements Port.
func (p *memPort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPortClosed
	}
	p.closed = true
	p.queue = nil
	p.mu.Unlock()
	p.notify()
	return nil
}
