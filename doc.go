// Package pipeloop provides asynchronous named pipes, driven by a
// single-goroutine event loop over an I/O completion port.
//
// # Architecture
//
// A [Loop] owns one completion [Port], and a table of [Pipe] handles. Every
// operation against a handle is issued from the loop goroutine, and its
// outcome is delivered back to it, through the port, as the completion of a
// request. Callbacks are never invoked from within the call that issued the
// operation.
//
// A Pipe is either a server ([Pipe.Bind], [Pipe.Listen], [Pipe.Accept]) or a
// connection ([Pipe.Connect], or a handle passed to Accept). Servers keep a
// fixed number of instances armed (see [WithAcceptSlots]), so clients may
// connect before Accept is called. Connections read by waiting on a
// zero-length read, then draining what is available with non-blocking reads
// ([Pipe.ReadStart]), and write one buffer per request ([Pipe.Write]).
//
// # Platform Support
//
// The primitive operations are abstracted by [Sys]:
//   - Windows: Win32 named pipes and an I/O completion port, see
//     [NewWindowsSys]
//   - everywhere: an in-process namespace with the same semantics, see
//     [NewMemorySys]
//
// # Thread Safety
//
// Pipe methods must be called from the loop goroutine, i.e. from callbacks,
// from functions passed to [Loop.Submit], or before [Loop.Run]. While the loop
// is running, calls from other goroutines fail with [ErrNotLoopThread].
//
// The only other goroutines are the connect workers, which wait for a free
// server instance when [Pipe.Connect] finds every instance busy. A worker
// writes the outcome of its connect once, then posts it to the port.
//
// # Usage
//
//	loop, err := pipeloop.New(pipeloop.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer loop.Close()
//
//	server := loop.NewPipe()
//	if err := server.Bind(`\\.\pipe\example`); err != nil {
//		return err
//	}
//	if err := server.Listen(func(server *pipeloop.Pipe, status int) {
//		client := loop.NewPipe()
//		if err := server.Accept(client); err != nil {
//			_ = client.Close(nil)
//			return
//		}
//		// client.ReadStart(...)
//	}); err != nil {
//		return err
//	}
//
//	return loop.Run(ctx)
package pipeloop
