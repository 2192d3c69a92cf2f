package pipeloop

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/panjf2000/ants/v2"
)

// Loop is a single-goroutine event loop, driving Pipe handles from the
// completions of a single Port.
//
// All Pipe methods, and every callback, run on the goroutine inside Run. The
// only other goroutines involved are the connect workers, which never touch
// handle state, and callers of Submit.
type Loop struct {
	// Prevent copying
	_ [0]func()

	opts    *loopOptions
	sys     Sys
	port    Port
	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
	workers *ants.Pool

	state fastState

	// everything below is owned by the loop goroutine

	handles map[HandleID]*Pipe

	// inflight holds every request handed to the OS or the pending list,
	// so that each completes exactly once
	inflight map[*request]struct{}

	// pending holds requests that completed without going through the port
	pending []completer

	// endgames holds handles whose closing sequence needs to run
	endgames []*Pipe

	lastErr error
	nextID  HandleID

	// tasks counts Submit calls not yet executed
	tasks atomic.Int64

	loopGoroutineID atomic.Uint64

	metrics metrics
}

// New creates a Loop, opening its completion port.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	port, err := cfg.sys.NewPort()
	if err != nil {
		return nil, osError("CreateIoCompletionPort", err)
	}

	l := &Loop{
		opts:     cfg,
		sys:      cfg.sys,
		port:     port,
		logger:   cfg.logger,
		handles:  make(map[HandleID]*Pipe),
		inflight: make(map[*request]struct{}),
	}

	if len(cfg.logRates) != 0 {
		if l.limiter, err = newLimiter(cfg.logRates); err != nil {
			_ = port.Close()
			return nil, err
		}
	}

	l.workers, err = ants.NewPool(
		cfg.connectWorkers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(r any) {
			l.logger.Err().
				Str(`panic`, fmt.Sprint(r)).
				Log(`connect worker panicked`)
		}),
	)
	if err != nil {
		_ = port.Close()
		return nil, err
	}

	return l, nil
}

// Run runs the loop until it has no live handles and no queued work, or ctx
// is cancelled, in which case the ctx error is returned. Handles that are
// still open when ctx is cancelled are left as they are, and Run may be
// called again.
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}

	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	// wake the port on cancellation
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = l.port.Wake()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	l.logger.Debug().Log(`loop started`)
	err := l.run(ctx)
	l.logger.Debug().Err(err).Log(`loop stopped`)

	if !l.state.TryTransition(StateRunning, StateAwake) {
		// closed while running
		l.release()
		if err == nil {
			err = ErrLoopTerminated
		}
	}

	return err
}

func (l *Loop) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.state.Load() == StateTerminated {
			return ErrLoopTerminated
		}

		l.processPending()
		l.processEndgames()

		if !l.alive() {
			return nil
		}

		timeout := waitForever
		if len(l.pending) != 0 || len(l.endgames) != 0 {
			timeout = 0
		}

		if err := l.port.Wait(ctx, timeout, l.opts.completionBatch, l.onCompletion); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return osError("GetQueuedCompletionStatus", err)
		}
	}
}

const waitForever time.Duration = -1

// alive reports whether there is anything left for Run to do.
func (l *Loop) alive() bool {
	return len(l.handles) != 0 ||
		len(l.pending) != 0 ||
		len(l.endgames) != 0 ||
		l.tasks.Load() != 0
}

// Submit runs fn on the loop goroutine, on a future iteration. It is safe to
// call from any goroutine, and is the way to operate on handles from outside
// the loop. A submitted task keeps Run from returning until it executes.
func (l *Loop) Submit(fn func()) error {
	if fn == nil {
		return ErrInvalidArgument
	}
	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}
	t := &taskRequest{fn: fn}
	t.init(t, 0)
	l.tasks.Add(1)
	if err := l.port.Post(&t.op); err != nil {
		l.tasks.Add(-1)
		return osError("PostQueuedCompletionStatus", err)
	}
	return nil
}

// Close terminates the loop. If Run is active, it returns ErrLoopTerminated
// on its next iteration, and the resources are released once it does.
// Handles still open are abandoned, without callbacks.
func (l *Loop) Close() error {
	for {
		switch current := l.state.Load(); current {
		case StateTerminated:
			return ErrLoopTerminated
		case StateAwake:
			if l.state.TryTransition(current, StateTerminated) {
				l.release()
				return nil
			}
		case StateRunning:
			if l.state.TryTransition(current, StateTerminated) {
				return l.port.Wake()
			}
		}
	}
}

func (l *Loop) release() {
	l.workers.Release()
	if err := l.port.Close(); err != nil {
		l.logger.Warning().Err(err).Log(`failed to close port`)
	}
}

// State returns the current state of the loop.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// LastError returns the detail of the most recent failure delivered to a
// callback, or returned by an operation, on this loop.
func (l *Loop) LastError() error {
	return l.lastErr
}

func (l *Loop) setLastError(err error) {
	l.lastErr = err
}

// Handles returns the number of handles not yet closed. Like the Pipe
// methods, it must be called from the loop goroutine.
func (l *Loop) Handles() int {
	return len(l.handles)
}

// checkThread guards handle operations against use from foreign goroutines,
// while the loop is running.
func (l *Loop) checkThread() error {
	if l.state.Load() == StateRunning && l.loopGoroutineID.Load() != 0 && !l.isLoopThread() {
		return ErrNotLoopThread
	}
	return nil
}

// track records req as outstanding. Every tracked request is dispatched
// exactly once.
func (l *Loop) track(req *request) {
	if _, ok := l.inflight[req]; ok {
		panic(fmt.Errorf(`pipeloop: request issued twice (handle %d)`, req.handle))
	}
	l.inflight[req] = struct{}{}
}

// insertPending queues a request that completed without the port, to be
// dispatched on the next iteration.
func (l *Loop) insertPending(c completer) {
	l.track(c.base())
	l.pending = append(l.pending, c)
}

func (l *Loop) processPending() {
	if len(l.pending) == 0 {
		return
	}
	// requests queued while dispatching wait for the next iteration
	pending := l.pending
	l.pending = nil
	for i, c := range pending {
		pending[i] = nil
		l.dispatch(c)
	}
}

func (l *Loop) onCompletion(op *Overlapped) {
	if op == nil || op.owner == nil {
		l.logger.Warning().Log(`dropped completion without owner`)
		return
	}
	l.dispatch(op.owner)
}

// dispatch routes a completed request to its handler.
func (l *Loop) dispatch(c completer) {
	if t, ok := c.(*taskRequest); ok {
		l.tasks.Add(-1)
		l.safeExecute(t.fn)
		return
	}

	req := c.base()
	if _, ok := l.inflight[req]; !ok {
		l.logger.Warning().
			Uint64(`handle`, uint64(req.handle)).
			Log(`dropped completion for a request not in flight`)
		return
	}
	delete(l.inflight, req)
	l.metrics.completions.Add(1)

	p := l.handles[req.handle]
	if p == nil {
		l.logger.Warning().
			Uint64(`handle`, uint64(req.handle)).
			Log(`dropped completion for a released handle`)
		return
	}

	switch r := c.(type) {
	case *acceptSlot:
		p.processAccept(r)
	case *ConnectRequest:
		p.processConnect(r)
	case *readRequest:
		p.processRead(r)
	case *WriteRequest:
		p.processWrite(r)
	default:
		panic(fmt.Errorf(`pipeloop: unexpected request type %T`, c))
	}
}

// wantEndgame queues the closing sequence of p, at most once per iteration.
func (l *Loop) wantEndgame(p *Pipe) {
	if p.endgameQueued {
		return
	}
	p.endgameQueued = true
	l.endgames = append(l.endgames, p)
}

func (l *Loop) processEndgames() {
	for len(l.endgames) != 0 {
		endgames := l.endgames
		l.endgames = nil
		for i, p := range endgames {
			endgames[i] = nil
			p.endgameQueued = false
			p.endgame()
		}
	}
}

// allowLog reports whether a rate limited log line for category may be
// emitted now.
func (l *Loop) allowLog(category any) bool {
	if l.limiter == nil {
		return true
	}
	_, ok := l.limiter.Allow(category)
	return ok
}

// newLimiter converts the panic catrate raises for invalid rates into an
// error.
func newLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeloop: invalid log rates: %v", r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}

// safeExecute runs a user callback, recovering and logging any panic, so a
// faulty callback cannot leave the handle bookkeeping half updated.
func (l *Loop) safeExecute(fn func()) {
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			err, _ := r.(error)
			if err == nil {
				err = fmt.Errorf("%v", r)
			}
			l.logger.Err().
				Err(err).
				Log(`callback panicked`)
		}
	}()

	fn()
}

func (l *Loop) isLoopThread() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
