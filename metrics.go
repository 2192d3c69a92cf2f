package pipeloop

import (
	"sync/atomic"
)

// Metrics is a snapshot of the counters maintained by a Loop.
//
// Counters are updated by the loop goroutine (and the connect workers, for
// ConnectRetries), and may be read from any goroutine via Loop.Metrics.
type Metrics struct {
	// Accepts counts connections handed to Accept.
	Accepts uint64

	// AcceptFailures counts accept slots that completed with an error, and
	// were re-armed.
	AcceptFailures uint64

	// Connects counts connect requests that completed successfully.
	Connects uint64

	// ConnectRetries counts waits performed by connect workers, for servers
	// with no free instance.
	ConnectRetries uint64

	// BytesRead counts bytes delivered to read callbacks.
	BytesRead uint64

	// BytesWritten counts bytes of writes that completed successfully.
	BytesWritten uint64

	// Completions counts requests dispatched to their handlers.
	Completions uint64
}

type metrics struct {
	accepts        atomic.Uint64
	acceptFailures atomic.Uint64
	connects       atomic.Uint64
	connectRetries atomic.Uint64
	bytesRead      atomic.Uint64
	bytesWritten   atomic.Uint64
	completions    atomic.Uint64
}

// Metrics returns a snapshot of the loop's counters. It is safe to call from
// any goroutine.
func (l *Loop) Metrics() Metrics {
	m := &l.metrics
	return Metrics{
		Accepts:        m.accepts.Load(),
		AcceptFailures: m.acceptFailures.Load(),
		Connects:       m.connects.Load(),
		ConnectRetries: m.connectRetries.Load(),
		BytesRead:      m.bytesRead.Load(),
		BytesWritten:   m.bytesWritten.Load(),
		Completions:    m.completions.Load(),
	}
}
