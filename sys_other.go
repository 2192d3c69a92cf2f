//go:build !windows

package pipeloop

// sysOverlapped has no platform state outside Windows.
type sysOverlapped struct{}

func defaultSys() (Sys, error) {
	return NewMemorySys(MemoryConfig{}), nil
}
