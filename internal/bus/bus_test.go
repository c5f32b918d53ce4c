package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribeFIFO(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var got []int

	done := make(chan struct{})
	count := 0
	token := b.Subscribe("topic.a", func(topic string, event any) {
		mu.Lock()
		got = append(got, event.(int))
		count++
		if count == 5 {
			close(done)
		}
		mu.Unlock()
	})
	defer token.Cancel()

	for i := 0; i < 5; i++ {
		b.Publish("topic.a", i)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestFanOutToMultipleSubscribers(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	wg.Add(2)

	var aGot, bGot int
	tokA := b.Subscribe("topic.x", func(string, any) { aGot++; wg.Done() })
	tokB := b.Subscribe("topic.x", func(string, any) { bGot++; wg.Done() })
	defer tokA.Cancel()
	defer tokB.Cancel()

	b.Publish("topic.x", "hello")

	waitWithTimeout(t, &wg, 2*time.Second)
	assert.Equal(t, 1, aGot)
	assert.Equal(t, 1, bGot)
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New()
	var called atomicBool
	token := b.Subscribe("topic.y", func(string, any) { called.set(true) })

	token.Cancel()
	token.Cancel() // must not panic

	b.Publish("topic.y", 1)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, called.get())
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New()
	release := make(chan struct{})
	var processed int32

	token := b.Subscribe("topic.z", func(string, any) {
		<-release // block the first delivery so the inbox backs up
		processed++
	})
	defer token.Cancel()

	for i := 0; i < defaultInboxSize+10; i++ {
		b.Publish("topic.z", i)
	}

	assert.Greater(t, b.DroppedCount(), uint64(0))
	close(release)
}

func TestNoCrossTopicDelivery(t *testing.T) {
	b := New()
	var otherCalled bool
	tokA := b.Subscribe("topic.a", func(string, any) { otherCalled = true })
	defer tokA.Cancel()

	b.Publish("topic.b", 1)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, otherCalled)
}

func waitWithTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for handlers")
	}
}

type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (a *atomicBool) set(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.v = v
}

func (a *atomicBool) get() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}
