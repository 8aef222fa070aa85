package events

import (
	"reflect"
	"sync"
	"testing"
)

func TestPublishOrder(t *testing.T) {
	bus := NewBus(nil)
	var got []int
	bus.Subscribe("evt", func(payload any) {
		got = append(got, payload.(int))
	})
	for i := 0; i < 10; i++ {
		bus.Publish("evt", i)
	}
	want := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	bus := NewBus(nil)
	var a, b int
	bus.Subscribe("a", func(any) { a++ })
	bus.Subscribe("b", func(any) { b++ })
	bus.Publish("a", nil)
	bus.Publish("a", nil)
	bus.Publish("b", nil)
	if a != 2 || b != 1 {
		t.Errorf("a=%d b=%d, want 2 and 1", a, b)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	unsub1 := bus.Subscribe("evt", func(any) { calls++ })
	unsub2 := bus.Subscribe("evt", func(any) { calls++ })

	unsub1()
	unsub1() // second call must not touch the other subscription
	if n := bus.SubscriberCount("evt"); n != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", n)
	}

	bus.Publish("evt", nil)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	unsub2()
	if n := bus.SubscriberCount("evt"); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe("evt", func(any) { panic("boom") })
	delivered := false
	bus.Subscribe("evt", func(any) { delivered = true })

	bus.Publish("evt", nil)
	if !delivered {
		t.Error("second handler did not run after first panicked")
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)
	var mu sync.Mutex
	count := 0
	bus.Subscribe("evt", func(any) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish("evt", j)
			}
		}()
	}
	wg.Wait()
	if count != 800 {
		t.Errorf("count = %d, want 800", count)
	}
}
