package pipeloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLoopOptions_defaults(t *testing.T) {
	cfg, err := resolveLoopOptions(nil)
	require.NoError(t, err)
	assert.NotNil(t, cfg.sys)
	assert.Nil(t, cfg.logger)
	assert.Equal(t, DefaultAcceptSlots, cfg.acceptSlots)
	assert.Equal(t, DefaultReadBufferSize, cfg.readBufferSize)
	assert.Equal(t, DefaultConnectRetryTimeout, cfg.connectRetryTimeout)
	assert.Equal(t, 30*time.Second, cfg.connectRetryTimeout)
	assert.Equal(t, DefaultConnectWorkers, cfg.connectWorkers)
	assert.Equal(t, DefaultCompletionBatch, cfg.completionBatch)
	assert.NotEmpty(t, cfg.logRates)
}

func TestResolveLoopOptions_overrides(t *testing.T) {
	sys := NewMemorySys(MemoryConfig{})
	logger, _ := newTestLogger()
	cfg, err := resolveLoopOptions([]LoopOption{
		WithSys(sys),
		nil,
		WithLogger(logger),
		WithLogRates(nil),
		WithAcceptSlots(1),
		WithReadBufferSize(16),
		WithConnectRetryTimeout(time.Millisecond),
		WithConnectWorkers(2),
		WithCompletionBatch(3),
	})
	require.NoError(t, err)
	assert.Same(t, sys, cfg.sys)
	assert.Same(t, logger, cfg.logger)
	assert.Nil(t, cfg.logRates)
	assert.Equal(t, 1, cfg.acceptSlots)
	assert.Equal(t, 16, cfg.readBufferSize)
	assert.Equal(t, time.Millisecond, cfg.connectRetryTimeout)
	assert.Equal(t, 2, cfg.connectWorkers)
	assert.Equal(t, 3, cfg.completionBatch)
}

func TestResolveLoopOptions_invalid(t *testing.T) {
	for name, opt := range map[string]LoopOption{
		"sys":                   WithSys(nil),
		"accept slots":          WithAcceptSlots(0),
		"read buffer size":      WithReadBufferSize(-1),
		"connect retry timeout": WithConnectRetryTimeout(0),
		"connect workers":       WithConnectWorkers(0),
		"completion batch":      WithCompletionBatch(-5),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(opt)
			assert.Error(t, err)
		})
	}
}

func TestNew_invalidLogRates(t *testing.T) {
	_, err := New(
		WithSys(NewMemorySys(MemoryConfig{})),
		WithLogRates(map[time.Duration]int{time.Second: 10, time.Minute: 5}),
	)
	assert.ErrorContains(t, err, "invalid log rates")
}
