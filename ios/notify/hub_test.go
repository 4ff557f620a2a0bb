package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHubDeliversToAllSubscribers(t *testing.T) {
	h := NewHub[int]()
	a, cancelA := h.Subscribe(4)
	b, cancelB := h.Subscribe(4)
	defer cancelA()
	defer cancelB()

	h.Publish(1)
	h.Publish(2)

	assert.Equal(t, 1, <-a)
	assert.Equal(t, 2, <-a)
	assert.Equal(t, 1, <-b)
	assert.Equal(t, 2, <-b)
}

func TestCancelUnblocksPublisher(t *testing.T) {
	h := NewHub[int]()
	_, cancel := h.Subscribe(0)

	published := make(chan struct{})
	go func() {
		h.Publish(1)
		close(published)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	cancel()
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish stayed blocked after cancel")
	}
	assert.Equal(t, 0, h.Len())
}

func TestCloseClosesChannels(t *testing.T) {
	h := NewHub[string]()
	ch, _ := h.Subscribe(1)
	h.Close()
	_, ok := <-ch
	assert.False(t, ok)

	late, _ := h.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
	h.Publish("ignored")
}
