package dispatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingRegistry_PutTake(t *testing.T) {
	reg := NewPendingRegistry()
	reg.Put("ts-1", "msg-1")

	assert.True(t, reg.Has("ts-1"))
	assert.Equal(t, 1, reg.Len())

	id, ok := reg.Take("ts-1")
	require.True(t, ok)
	assert.Equal(t, "msg-1", id)
	assert.False(t, reg.Has("ts-1"))
}

func TestPendingRegistry_TakeIsExactlyOnce(t *testing.T) {
	reg := NewPendingRegistry()
	reg.Put("ts-1", "msg-1")

	_, ok := reg.Take("ts-1")
	require.True(t, ok)

	// Confirm and cancel racing for the same entry: only one wins.
	_, ok = reg.Take("ts-1")
	assert.False(t, ok)
}

func TestPendingRegistry_TakeMissing(t *testing.T) {
	reg := NewPendingRegistry()
	_, ok := reg.Take("nope")
	assert.False(t, ok)
}

func TestPendingRegistry_HasGuardsDuplicates(t *testing.T) {
	reg := NewPendingRegistry()
	reg.Put("ts-1", "msg-1")

	// A caller seeing Has must reject its message rather than Put again;
	// otherwise the first correlation id would never be answered.
	require.True(t, reg.Has("ts-1"))

	id, ok := reg.Take("ts-1")
	require.True(t, ok)
	assert.Equal(t, "msg-1", id)
	assert.Equal(t, 0, reg.Len())
}

func TestPendingRegistry_ConcurrentTake(t *testing.T) {
	reg := NewPendingRegistry()
	reg.Put("ts-1", "msg-1")

	var wg sync.WaitGroup
	wins := make(chan string, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if id, ok := reg.Take("ts-1"); ok {
				wins <- id
			}
		}()
	}
	wg.Wait()
	close(wins)

	var got []string
	for id := range wins {
		got = append(got, id)
	}
	require.Len(t, got, 1, "exactly one taker may win")
	assert.Equal(t, "msg-1", got[0])
}
