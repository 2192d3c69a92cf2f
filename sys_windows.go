//go:build windows

package pipeloop

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/Microsoft/go-winio"
	"golang.org/x/sys/windows"
)

// sysOverlapped is the record the OS writes completions into.
type sysOverlapped = windows.Overlapped

var (
	modkernel32        = windows.NewLazySystemDLL("kernel32.dll")
	procWaitNamedPipeW = modkernel32.NewProc("WaitNamedPipeW")
)

// postedKey is the completion key of Port.Post completions, whose outcome is
// already recorded in the Overlapped. Associated files use their HandleID,
// which is never zero.
const postedKey = 0

// WindowsConfig configures NewWindowsSys.
type WindowsConfig struct {
	// InBufferSize and OutBufferSize are the buffer sizes requested for each
	// server instance. Both default to 65536.
	InBufferSize  uint32
	OutBufferSize uint32

	// SecurityDescriptor is an optional SDDL string applied to each server
	// instance, e.g. "D:P(A;;GA;;;WD)". The default grants access per the
	// default DACL of the process.
	SecurityDescriptor string
}

// WindowsSys implements Sys with Win32 named pipes and an I/O completion
// port.
type WindowsSys struct {
	cfg WindowsConfig
	sd  []byte
}

// NewWindowsSys validates cfg, returning a Sys backed by Win32 named pipes.
func NewWindowsSys(cfg WindowsConfig) (*WindowsSys, error) {
	if cfg.InBufferSize == 0 {
		cfg.InBufferSize = 65536
	}
	if cfg.OutBufferSize == 0 {
		cfg.OutBufferSize = 65536
	}
	s := &WindowsSys{cfg: cfg}
	if cfg.SecurityDescriptor != "" {
		sd, err := winio.SddlToSecurityDescriptor(cfg.SecurityDescriptor)
		if err != nil {
			return nil, fmt.Errorf("pipeloop: invalid security descriptor: %w", err)
		}
		s.sd = sd
	}
	return s, nil
}

func defaultSys() (Sys, error) {
	return NewWindowsSys(WindowsConfig{})
}

// NewPort implements Sys.
func (s *WindowsSys) NewPort() (Port, error) {
	h, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 1)
	if err != nil {
		return nil, mapErrno(err)
	}
	return &winPort{h: h}, nil
}

// CreateInstance implements Sys.
func (s *WindowsSys) CreateInstance(name string) (File, error) {
	name16, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, ErrInvalidArgument
	}

	var sa *windows.SecurityAttributes
	if len(s.sd) != 0 {
		sa = &windows.SecurityAttributes{
			SecurityDescriptor: (*windows.SECURITY_DESCRIPTOR)(unsafe.Pointer(&s.sd[0])),
		}
		sa.Length = uint32(unsafe.Sizeof(*sa))
	}

	h, err := windows.CreateNamedPipe(
		name16,
		windows.PIPE_ACCESS_DUPLEX|windows.FILE_FLAG_OVERLAPPED,
		windows.PIPE_TYPE_BYTE|windows.PIPE_READMODE_BYTE|windows.PIPE_WAIT,
		windows.PIPE_UNLIMITED_INSTANCES,
		s.cfg.OutBufferSize,
		s.cfg.InBufferSize,
		0,
		sa,
	)
	if err != nil {
		return nil, mapErrno(err)
	}
	return &winFile{h: h}, nil
}

// Open implements Sys.
func (s *WindowsSys) Open(name string) (File, error) {
	name16, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, ErrInvalidArgument
	}
	h, err := windows.CreateFile(
		name16,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_OVERLAPPED,
		0,
	)
	if err != nil {
		return nil, mapErrno(err)
	}
	return &winFile{h: h}, nil
}

// Wait implements Sys.
func (s *WindowsSys) Wait(name string, timeout time.Duration) error {
	name16, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return ErrInvalidArgument
	}
	ms := uint32(timeout / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	r1, _, e1 := procWaitNamedPipeW.Call(uintptr(unsafe.Pointer(name16)), uintptr(ms))
	if r1 == 0 {
		if errno, ok := e1.(syscall.Errno); !ok || errno == 0 {
			e1 = syscall.EINVAL
		}
		return mapErrno(e1)
	}
	return nil
}

// mapErrno translates the Win32 errors the handles depend on into the
// package sentinels, keeping the original errno in the chain.
func mapErrno(err error) error {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return err
	}
	var sentinel error
	switch errno {
	case windows.ERROR_IO_PENDING:
		return ErrIOPending
	case windows.ERROR_PIPE_BUSY:
		sentinel = ErrPipeBusy
	case windows.ERROR_FILE_NOT_FOUND:
		sentinel = ErrPipeNotFound
	case windows.ERROR_SEM_TIMEOUT, windows.WAIT_TIMEOUT:
		sentinel = ErrWaitTimeout
	case windows.ERROR_PIPE_CONNECTED:
		sentinel = ErrPipeConnected
	case windows.ERROR_NO_DATA:
		sentinel = ErrNoData
	case windows.ERROR_BROKEN_PIPE:
		sentinel = ErrBrokenPipe
	case windows.ERROR_OPERATION_ABORTED:
		sentinel = ErrOperationAborted
	case windows.ERROR_INVALID_HANDLE:
		sentinel = ErrFileClosed
	default:
		return errno
	}
	return fmt.Errorf("%w (%w)", sentinel, errno)
}

type winFile struct {
	h      windows.Handle
	closed atomic.Bool
}

func (f *winFile) handle() (windows.Handle, error) {
	if f.closed.Load() {
		return windows.InvalidHandle, ErrFileClosed
	}
	return f.h, nil
}

// Connect implements File.
func (f *winFile) Connect(op *Overlapped) error {
	h, err := f.handle()
	if err != nil {
		return err
	}
	op.reset()
	return mapErrno(windows.ConnectNamedPipe(h, &op.sys))
}

// ReadAsync implements File.
func (f *winFile) ReadAsync(op *Overlapped, b []byte) error {
	h, err := f.handle()
	if err != nil {
		return err
	}
	op.reset()
	return mapErrno(windows.ReadFile(h, b, nil, &op.sys))
}

// Read implements File.
func (f *winFile) Read(b []byte) (int, error) {
	h, err := f.handle()
	if err != nil {
		return 0, err
	}
	var done uint32
	if err := windows.ReadFile(h, b, &done, nil); err != nil {
		err = mapErrno(err)
		if errors.Is(err, ErrBrokenPipe) {
			return 0, nil
		}
		return int(done), err
	}
	return int(done), nil
}

// WriteAsync implements File.
func (f *winFile) WriteAsync(op *Overlapped, b []byte) error {
	h, err := f.handle()
	if err != nil {
		return err
	}
	op.reset()
	return mapErrno(windows.WriteFile(h, b, nil, &op.sys))
}

// SetNonblocking implements File.
func (f *winFile) SetNonblocking(nonblocking bool) error {
	h, err := f.handle()
	if err != nil {
		return err
	}
	mode := uint32(windows.PIPE_READMODE_BYTE | windows.PIPE_WAIT)
	if nonblocking {
		mode = windows.PIPE_READMODE_BYTE | windows.PIPE_NOWAIT
	}
	return mapErrno(windows.SetNamedPipeHandleState(h, &mode, nil, nil))
}

// Close implements File.
func (f *winFile) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return ErrFileClosed
	}
	return mapErrno(windows.CloseHandle(f.h))
}

type winPort struct {
	h      windows.Handle
	closed atomic.Bool
}

// Associate implements Port.
func (p *winPort) Associate(f File, id HandleID) error {
	wf, ok := f.(*winFile)
	if !ok {
		return fmt.Errorf("%w: foreign file %T", ErrInvalidArgument, f)
	}
	h, err := wf.handle()
	if err != nil {
		return err
	}
	if _, err := windows.CreateIoCompletionPort(h, p.h, uintptr(id), 0); err != nil {
		return mapErrno(err)
	}
	return nil
}

// Post implements Port.
func (p *winPort) Post(op *Overlapped) error {
	if op == nil {
		return ErrInvalidArgument
	}
	if p.closed.Load() {
		return ErrPortClosed
	}
	return mapErrno(windows.PostQueuedCompletionStatus(p.h, 0, postedKey, &op.sys))
}

// Wake implements Port.
func (p *winPort) Wake() error {
	if p.closed.Load() {
		return ErrPortClosed
	}
	return mapErrno(windows.PostQueuedCompletionStatus(p.h, 0, postedKey, nil))
}

// Wait implements Port.
func (p *winPort) Wait(ctx context.Context, timeout time.Duration, limit int, fn func(op *Overlapped)) error {
	if p.closed.Load() {
		return ErrPortClosed
	}

	ms := uint32(windows.INFINITE)
	if timeout >= 0 {
		ms = uint32(timeout / time.Millisecond)
	}

	for i := 0; i < limit || i == 0; i++ {
		var (
			bytes uint32
			key   uintptr
			ov    *windows.Overlapped
		)
		err := windows.GetQueuedCompletionStatus(p.h, &bytes, &key, &ov, ms)
		if ov == nil {
			if err == nil {
				// woken
				break
			}
			if errno, ok := err.(syscall.Errno); ok {
				if errno == windows.WAIT_TIMEOUT {
					break
				}
				if errno == windows.ERROR_ABANDONED_WAIT_0 || errno == windows.ERROR_INVALID_HANDLE {
					return ErrPortClosed
				}
			}
			return mapErrno(err)
		}

		op := (*Overlapped)(unsafe.Pointer(ov))
		if key != postedKey {
			op.Bytes = int(bytes)
			op.Err = nil
			if err != nil {
				op.Err = mapErrno(err)
			}
		}
		fn(op)

		// only the first dequeue may block
		ms = 0
	}

	return ctx.Err()
}

// Close implements Port.
func (p *winPort) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrPortClosed
	}
	return mapErrno(windows.CloseHandle(p.h))
}
