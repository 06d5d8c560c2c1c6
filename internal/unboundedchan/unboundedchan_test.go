package unboundedchan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUnboundedChannel(t *testing.T) {
	q := NewUnboundedChannel[int]()

	// Send all integers [0, 99] before anyone receives, forcing the ring to grow.
	const max = 100
	for i := range max {
		q.In() <- i
	}
	assert.Eventually(t, func() bool { return q.Pending() == max }, time.Second, time.Millisecond)
	close(q.In())

	var got []int
	for d := range q.Out() {
		got = append(got, d)
	}
	if assert.Len(t, got, max) {
		for i, v := range got {
			if v != i {
				t.Fatalf("value %d = %d, out of order", i, v)
			}
		}
	}
	assert.Zero(t, q.Pending())
	assert.Equal(t, max, q.HighWater())
}

func TestUnboundedChannelInterleaved(t *testing.T) {
	q := NewUnboundedChannel[string]()
	go func() {
		for _, s := range []string{"a", "b", "c"} {
			q.In() <- s
		}
		close(q.In())
	}()
	var got []string
	for s := range q.Out() {
		got = append(got, s)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}
