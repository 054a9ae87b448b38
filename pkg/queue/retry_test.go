package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelayBounds(t *testing.T) {
	p := RetryPolicy{Base: 30 * time.Second, Max: 15 * time.Minute}

	tests := []struct {
		name    string
		attempt int
		cap     time.Duration
	}{
		{"first attempt", 1, 30 * time.Second},
		{"second attempt doubles", 2, time.Minute},
		{"fourth attempt", 4, 4 * time.Minute},
		{"cap at max", 10, 15 * time.Minute},
		{"attempt below one clamps", 0, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 200; i++ {
				d := p.Delay(tt.attempt)
				assert.GreaterOrEqual(t, d, time.Duration(0))
				assert.LessOrEqual(t, d, tt.cap)
			}
		})
	}
}

func TestRetryPolicyDelayCoversRange(t *testing.T) {
	p := RetryPolicy{Base: 30 * time.Second, Max: 15 * time.Minute}

	// Full jitter: over many draws the spread should cover most of [0, cap],
	// not cluster at the cap like equal-jitter would.
	var min, max time.Duration = time.Hour, 0
	for i := 0; i < 2000; i++ {
		d := p.Delay(1)
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
	}
	assert.Less(t, min, 5*time.Second)
	assert.Greater(t, max, 25*time.Second)
}

func TestRetryPolicyGrowTimeout(t *testing.T) {
	p := RetryPolicy{TimeoutRetryCap: 1800}

	assert.Equal(t, 900, p.GrowTimeout(600))
	assert.Equal(t, 1350, p.GrowTimeout(900))
	assert.Equal(t, 1800, p.GrowTimeout(1350))
	assert.Equal(t, 1800, p.GrowTimeout(1800))
	// Ceil on odd values.
	assert.Equal(t, 152, p.GrowTimeout(101))
}

func TestRetryPolicyGrowTimeoutUncapped(t *testing.T) {
	p := RetryPolicy{}
	assert.Equal(t, 2700, p.GrowTimeout(1800))
}
