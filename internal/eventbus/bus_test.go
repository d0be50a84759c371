package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanoutAndDrop(t *testing.T) {
	b := New()
	fast, unsubFast := b.Subscribe(4)
	slow, unsubSlow := b.Subscribe(1)
	defer unsubFast()

	Publish(b, PullState, "a")
	Publish(b, PullState, "b")

	require.Len(t, fast, 2)
	e := <-fast
	assert.Equal(t, PullState, e.Type)
	assert.Equal(t, "a", e.Data)
	assert.False(t, e.Time.IsZero())

	// The slow subscriber keeps the first event and drops the rest.
	assert.Equal(t, uint64(1), Dropped(b))
	require.Len(t, slow, 1)
	assert.Equal(t, "a", (<-slow).Data)

	unsubSlow()
	unsubSlow()
	_, open := <-slow
	assert.False(t, open)
	Publish(b, PullState, "c")
	Publish(nil, PullState, "ignored")
}

func TestSubscribeFiltersByType(t *testing.T) {
	b := New()
	cycles, unsub := b.Subscribe(4, SchedulerCycle, ConfigReloaded)
	defer unsub()
	_, unsubFull := b.Subscribe(1)
	defer unsubFull()

	Publish(b, PullState, 1)
	Publish(b, SchedulerCycle, 2)
	Publish(b, ConfigReloaded, 3)

	require.Len(t, cycles, 2)
	assert.Equal(t, 2, (<-cycles).Data)
	assert.Equal(t, 3, (<-cycles).Data)
	// full took PullState and dropped the other two.
	assert.Equal(t, uint64(2), Dropped(b))
	assert.Zero(t, Dropped(nil))
}
