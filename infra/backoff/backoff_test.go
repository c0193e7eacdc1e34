package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay(t *testing.T) {
	p := Policy{Base: time.Second, Max: 60 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{31, 60 * time.Second},
		{100, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestDefaults(t *testing.T) {
	var p Policy
	assert.Equal(t, DefaultBase, p.Delay(0))
	assert.Equal(t, DefaultMax, p.Delay(30))
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Policy{Base: time.Hour, Max: time.Hour}.Sleep(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)

	assert.NoError(t, Policy{Base: time.Millisecond}.Sleep(context.Background(), 0))
}
