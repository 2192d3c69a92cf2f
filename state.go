package pipeloop

import (
	"fmt"
	"sync/atomic"
)

// LoopState represents the current state of the Loop.
//
//	StateAwake → StateRunning        [Run]
//	StateRunning → StateAwake        [Run returns, no live handles]
//	StateAwake → StateTerminated     [Close]
//	StateRunning → StateTerminated   [Close, Run returns ErrLoopTerminated]
type LoopState uint32

const (
	// StateAwake indicates the loop is not currently running, but may be run.
	StateAwake LoopState = iota
	// StateRunning indicates a goroutine is inside Run.
	StateRunning
	// StateTerminated indicates the loop has been closed.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free loop state cell.
type fastState struct {
	v atomic.Uint32
}

func (s *fastState) Load() LoopState {
	return LoopState(s.v.Load())
}

func (s *fastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// HandleState is the lifecycle of a Pipe.
//
//	HandleOpen → HandleShutting     [Shutdown]
//	HandleOpen → HandleClosing      [Close]
//	HandleShutting → HandleShut     [endgame, once writes drain]
//	HandleShutting → HandleClosing  [Close]
//	HandleShut → HandleClosing      [Close]
//	HandleClosing → HandleClosed    [endgame, once all requests drain]
//
// Resources are released on entry to HandleShut or HandleClosing, whichever
// happens first.
type HandleState uint8

const (
	HandleOpen HandleState = iota
	HandleShutting
	HandleShut
	HandleClosing
	HandleClosed
)

var handleTransitions = [...][]HandleState{
	HandleOpen:     {HandleShutting, HandleClosing},
	HandleShutting: {HandleShut, HandleClosing},
	HandleShut:     {HandleClosing},
	HandleClosing:  {HandleClosed},
	HandleClosed:   nil,
}

// String returns a human-readable representation of the state.
func (s HandleState) String() string {
	switch s {
	case HandleOpen:
		return "Open"
	case HandleShutting:
		return "Shutting"
	case HandleShut:
		return "Shut"
	case HandleClosing:
		return "Closing"
	case HandleClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// canTransition reports whether to is a valid successor of s.
func (s HandleState) canTransition(to HandleState) bool {
	if int(s) >= len(handleTransitions) {
		return false
	}
	for _, v := range handleTransitions[s] {
		if v == to {
			return true
		}
	}
	return false
}

// closing reports whether Close has been called.
func (s HandleState) closing() bool {
	return s == HandleClosing || s == HandleClosed
}

// readState tracks the probe/drain cycle of a connection.
//
// A probe is outstanding exactly in readProbing and readStoppedProbing.
// The drain loop runs exactly in readDraining and readStoppedDraining.
type readState uint8

const (
	readIdle readState = iota
	// reading, zero-length probe outstanding
	readProbing
	// stopped, but the last probe has not completed yet
	readStoppedProbing
	// reading, synchronous drain in progress
	readDraining
	// stopped from within the drain loop
	readStoppedDraining
	// peer closed, terminal
	readEOF
)

func (s readState) String() string {
	switch s {
	case readIdle:
		return "Idle"
	case readProbing:
		return "Probing"
	case readStoppedProbing:
		return "StoppedProbing"
	case readDraining:
		return "Draining"
	case readStoppedDraining:
		return "StoppedDraining"
	case readEOF:
		return "EOF"
	default:
		return fmt.Sprintf("readState(%d)", uint8(s))
	}
}

// reading reports whether the user wants read callbacks.
func (s readState) reading() bool {
	return s == readProbing || s == readDraining
}

// stopped returns the state ReadStop moves s to.
func (s readState) stopped() readState {
	switch s {
	case readProbing:
		return readStoppedProbing
	case readDraining:
		return readStoppedDraining
	default:
		return s
	}
}
