package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicSessionEvent)
	defer b.Unsubscribe(sub)

	b.Publish(SessionEventTopic("s1"), EventPersisted{SessionID: "s1", EventID: "e1", Seq: 0})

	select {
	case notice := <-sub.Ch():
		if notice.Topic != "session.event.s1" {
			t.Fatalf("topic = %q, want session.event.s1", notice.Topic)
		}
		ev, ok := notice.Payload.(EventPersisted)
		if !ok {
			t.Fatalf("payload type %T", notice.Payload)
		}
		if ev.EventID != "e1" {
			t.Fatalf("event id = %q", ev.EventID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notice")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	eventSub := b.Subscribe(TopicSessionEvent)
	defer b.Unsubscribe(eventSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(SessionEventTopic("s1"), EventPersisted{SessionID: "s1"})
	b.Publish(SessionStatusTopic("s1"), StatusChanged{SessionID: "s1"})

	select {
	case notice := <-eventSub.Ch():
		if notice.Topic != "session.event.s1" {
			t.Fatalf("topic = %q", notice.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event notice")
	}

	// eventSub must not see the status notice.
	select {
	case notice := <-eventSub.Ch():
		t.Fatalf("unexpected notice on eventSub: %v", notice)
	case <-time.After(50 * time.Millisecond):
	}

	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting on allSub")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d notices, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("test")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish("test.tick", i)
	}

	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			goto done
		}
	}
done:
	if count != defaultBufferSize {
		t.Fatalf("received %d notices, expected %d (buffer size)", count, defaultBufferSize)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("test")

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 8
	const perGoroutine = 5
	total := goroutines * perGoroutine

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish("concurrent", id*100+i)
			}
		}(g)
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			goto drained
		}
	}
drained:
	if received != total {
		t.Fatalf("received %d notices, want %d", received, total)
	}
}
