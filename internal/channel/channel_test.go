package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_FIFO(t *testing.T) {
	c := New[int]("test", 4)

	for i := range 3 {
		require.True(t, c.Publish(i))
	}

	for i := range 3 {
		v, ok := c.TryRecv()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}

	_, ok := c.TryRecv()
	assert.False(t, ok)
}

func TestChannel_DropNewestWhenFull(t *testing.T) {
	const n = 8

	c := New[int]("test", n)

	for i := range n + 1 {
		c.Publish(i)
	}

	assert.Equal(t, n, c.Len())
	assert.Equal(t, uint64(n), c.Published())
	assert.Equal(t, uint64(1), c.Dropped())

	// The first N survive; the N+1th is the one lost.
	for i := range n {
		v, ok := c.TryRecv()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestChannel_NonPositiveCapacity(t *testing.T) {
	c := New[string]("test", -5)

	assert.Equal(t, 1, c.Cap())
	assert.True(t, c.Publish("a"))
	assert.False(t, c.Publish("b"))
}

func TestChannel_Drain(t *testing.T) {
	c := New[int]("test", 16)

	for i := range 5 {
		c.Publish(i)
	}

	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu  sync.Mutex
		got []int
	)

	done := make(chan struct{})

	go func() {
		defer close(done)

		c.Drain(ctx, func(v int) {
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(got) == 5
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestChannel_ConcurrentPublishersNeverBlock(t *testing.T) {
	c := New[int]("test", 100)

	var wg sync.WaitGroup

	for w := range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range 100 {
				c.Publish(w*100 + i)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 100, c.Len())
	assert.Equal(t, uint64(100), c.Published())
	assert.Equal(t, uint64(900), c.Dropped())
}
