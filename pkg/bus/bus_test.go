package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushAndPopFIFO(t *testing.T) {
	b := New(4)
	require.True(t, b.Push(Opportunity{PathID: 1, Priority: 0}))
	require.True(t, b.Push(Opportunity{PathID: 2, Priority: 0}))

	op, ok := b.Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(1), op.PathID)

	op, ok = b.Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(2), op.PathID)

	_, ok = b.Pop()
	assert.False(t, ok)
}

func TestPushDedupReplacesInPlace(t *testing.T) {
	b := New(4)
	b.Push(Opportunity{PathID: 1, Priority: 0, QuoteID: "first"})
	b.Push(Opportunity{PathID: 1, Priority: 0, QuoteID: "second"})

	assert.Equal(t, 1, b.Len())
	op, _ := b.Pop()
	assert.Equal(t, "second", op.QuoteID)
}

func TestPushEvictsLowestPriorityWhenFull(t *testing.T) {
	b := New(2)
	require.True(t, b.Push(Opportunity{PathID: 1, Priority: 5}))
	require.True(t, b.Push(Opportunity{PathID: 2, Priority: 10}))

	// Higher-priority (smaller number) candidate evicts the worst (path 2).
	accepted := b.Push(Opportunity{PathID: 3, Priority: 1})
	require.True(t, accepted)
	assert.Equal(t, 2, b.Len())

	ids := map[uint64]bool{}
	for {
		op, ok := b.Pop()
		if !ok {
			break
		}
		ids[op.PathID] = true
	}
	assert.True(t, ids[1])
	assert.True(t, ids[3])
	assert.False(t, ids[2])
}

func TestPushRejectedWhenNotHigherPriorityThanWorst(t *testing.T) {
	b := New(2)
	require.True(t, b.Push(Opportunity{PathID: 1, Priority: 0}))
	require.True(t, b.Push(Opportunity{PathID: 2, Priority: 0}))

	accepted := b.Push(Opportunity{PathID: 3, Priority: 5})
	assert.False(t, accepted)
	assert.Equal(t, 2, b.Len())
}

func TestPushRejectsEqualPriorityWhenFull(t *testing.T) {
	b := New(2)
	b.Push(Opportunity{PathID: 1, Priority: 5})
	b.Push(Opportunity{PathID: 2, Priority: 5})

	// Tie on priority with the worst queued item: the incoming item is not
	// strictly higher priority, so it is dropped and nothing is evicted.
	accepted := b.Push(Opportunity{PathID: 3, Priority: 5})
	assert.False(t, accepted, "equal priority to the worst does not evict")
}
