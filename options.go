// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package pipeloop

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	// DefaultAcceptSlots is the number of accept slots armed per listening pipe.
	DefaultAcceptSlots = 4

	// DefaultReadBufferSize is the size suggested to the alloc callback.
	DefaultReadBufferSize = 65536

	// DefaultConnectRetryTimeout is how long each wait for a free server
	// instance lasts, before the connect worker tries again.
	DefaultConnectRetryTimeout = 30000 * time.Millisecond

	// DefaultConnectWorkers caps the number of concurrently waiting connects.
	DefaultConnectWorkers = 64

	// DefaultCompletionBatch is the maximum number of completions dequeued
	// per loop iteration.
	DefaultCompletionBatch = 128
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	sys                 Sys
	logger              *logiface.Logger[logiface.Event]
	logRates            map[time.Duration]int
	acceptSlots         int
	readBufferSize      int
	connectRetryTimeout time.Duration
	connectWorkers      int
	completionBatch     int
}

// --- Loop Options ---

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithSys sets the named-pipe implementation. Defaults to the Windows
// implementation on Windows, and a new MemorySys elsewhere.
func WithSys(sys Sys) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if sys == nil {
			return errors.New("pipeloop: nil sys")
		}
		opts.sys = sys
		return nil
	}}
}

// WithLogger attaches a structured logger. A nil logger (the default)
// disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithLogRates rate limits repetitive warnings (e.g. a failing accept slot),
// per source. See github.com/joeycumines/go-catrate for the format. A nil or
// empty map disables rate limiting.
func WithLogRates(rates map[time.Duration]int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logRates = rates
		return nil
	}}
}

// WithAcceptSlots sets how many server instances each listening pipe keeps
// armed, i.e. how many clients may connect before Accept is called.
func WithAcceptSlots(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return errors.New("pipeloop: accept slots must be positive")
		}
		opts.acceptSlots = n
		return nil
	}}
}

// WithReadBufferSize sets the size suggested to alloc callbacks.
func WithReadBufferSize(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return errors.New("pipeloop: read buffer size must be positive")
		}
		opts.readBufferSize = n
		return nil
	}}
}

// WithConnectRetryTimeout sets the duration of each wait performed by the
// connect worker, when a server had no free instance. The worker retries
// without bound, close the handle to give up.
func WithConnectRetryTimeout(d time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if d <= 0 {
			return errors.New("pipeloop: connect retry timeout must be positive")
		}
		opts.connectRetryTimeout = d
		return nil
	}}
}

// WithConnectWorkers caps the number of connects that may be waiting for a
// busy server at once. Connects beyond the cap fail synchronously.
func WithConnectWorkers(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return errors.New("pipeloop: connect workers must be positive")
		}
		opts.connectWorkers = n
		return nil
	}}
}

// WithCompletionBatch sets the maximum number of completions processed per
// loop iteration.
func WithCompletionBatch(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return errors.New("pipeloop: completion batch must be positive")
		}
		opts.completionBatch = n
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		acceptSlots:         DefaultAcceptSlots,
		readBufferSize:      DefaultReadBufferSize,
		connectRetryTimeout: DefaultConnectRetryTimeout,
		connectWorkers:      DefaultConnectWorkers,
		completionBatch:     DefaultCompletionBatch,
		logRates: map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.sys == nil {
		sys, err := defaultSys()
		if err != nil {
			return nil, err
		}
		cfg.sys = sys
	}
	return cfg, nil
}
