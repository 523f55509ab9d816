package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeEveryFiresOncePerPeriod(t *testing.T) {
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	fc := NewFake(start)

	ticks := 0
	task := fc.Every(time.Second, func() { ticks++ })

	fc.Advance(1500 * time.Millisecond)
	assert.Equal(t, 1, ticks)

	fc.Advance(3500 * time.Millisecond)
	assert.Equal(t, 5, ticks)
	assert.Equal(t, start.Add(5*time.Second), fc.Now())

	task.Stop()
	task.Stop()
	fc.Advance(10 * time.Second)
	assert.Equal(t, 5, ticks)
	assert.Equal(t, 0, fc.Pending())
}

func TestFakeFiresInChronologicalOrder(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))

	var order []string
	fc.Every(3*time.Second, func() { order = append(order, "slow") })
	fc.Every(time.Second, func() { order = append(order, "fast") })

	fc.Advance(3 * time.Second)
	require.Equal(t, []string{"fast", "fast", "slow", "fast"}, order)
}

func TestFakeCallbackMayStopItself(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))

	count := 0
	var task Task
	task = fc.Every(time.Second, func() {
		count++
		if count == 3 {
			task.Stop()
		}
	})

	fc.Advance(time.Minute)
	assert.Equal(t, 3, count)
}

func TestRealEveryStops(t *testing.T) {
	c := New()
	fired := make(chan struct{}, 16)

	task := c.Every(5*time.Millisecond, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("ticker never fired")
	}

	task.Stop()
	task.Stop()
}
