package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"serialkv/internal/model"
)

type counter struct {
	v int64
}

func (c *counter) latest() model.Serial { return model.Serial(atomic.LoadInt64(&c.v)) }

func (c *counter) set(s model.Serial) { atomic.StoreInt64(&c.v, int64(s)) }

func TestWaitForSerialAlreadyReached(t *testing.T) {
	c := &counter{v: 5}
	n := New(c.latest)

	start := time.Now()
	assert.True(t, n.WaitForSerial(context.Background(), 3, time.Minute))
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForSerialWokenByPublish(t *testing.T) {
	c := &counter{v: int64(model.NoSerial)}
	n := New(c.latest)

	done := make(chan bool)
	go func() { done <- n.WaitForSerial(context.Background(), 1, 5*time.Second) }()

	// serial 0 does not satisfy the waiter; it has to wait for the next one
	time.Sleep(20 * time.Millisecond)
	c.set(0)
	n.Publish()
	time.Sleep(20 * time.Millisecond)
	c.set(1)
	n.Publish()

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestWaitForSerialTimeout(t *testing.T) {
	c := &counter{v: 0}
	n := New(c.latest)

	start := time.Now()
	assert.False(t, n.WaitForSerial(context.Background(), 1, 30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 0, n.Waiters())
}

func TestCloseWakesAllWaiters(t *testing.T) {
	c := &counter{v: 0}
	n := New(c.latest)

	const waiters = 10
	var wg sync.WaitGroup
	results := make(chan bool, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- n.WaitForSerial(context.Background(), 100, time.Minute)
		}()
	}
	assert.Eventually(t, func() bool { return n.Waiters() == waiters }, time.Second, 5*time.Millisecond)

	n.Close()
	wg.Wait()
	close(results)
	for ok := range results {
		assert.False(t, ok)
	}

	// later waits do not block either
	assert.False(t, n.WaitForSerial(context.Background(), 100, time.Minute))
	n.Close()
}

func TestWaitForSerialContextCanceled(t *testing.T) {
	c := &counter{v: 0}
	n := New(c.latest)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool)
	go func() { done <- n.WaitForSerial(ctx, 1, time.Minute) }()
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter ignored context cancellation")
	}
}
