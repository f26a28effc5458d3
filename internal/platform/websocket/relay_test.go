package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func startRelay(t *testing.T) (*Hub, *Publisher) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = NewSubscriber(rdb, hub, zerolog.Nop()).Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(time.Second)
	for mr.PubSubNumSub(RelayChannel)[RelayChannel] == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber did not subscribe")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return hub, NewPublisher(rdb, zerolog.Nop())
}

func TestRelay_EmitToUser(t *testing.T) {
	hub, pub := startRelay(t)
	alice := newTestClient("c1", "alice")
	bob := newTestClient("c2", "bob")
	hub.Register(alice)
	hub.Register(bob)

	pub.EmitToUser("alice", "ai:batch:completed", map[string]int{"analyzed": 3})

	msg := receive(t, alice)
	if msg.Type != "ai:batch:completed" {
		t.Fatalf("unexpected type %q", msg.Type)
	}
	data, ok := msg.Data.(map[string]any)
	if !ok || data["analyzed"] != float64(3) {
		t.Errorf("unexpected data %#v", msg.Data)
	}
	select {
	case <-bob.Send:
		t.Error("bob should not receive alice's event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRelay_Broadcast(t *testing.T) {
	hub, pub := startRelay(t)
	a := newTestClient("c1", "alice")
	b := newTestClient("c2", "bob")
	hub.Register(a)
	hub.Register(b)

	pub.Broadcast("maintenance", "tonight")

	for _, c := range []*Client{a, b} {
		if msg := receive(t, c); msg.Type != "maintenance" || msg.Data != "tonight" {
			t.Errorf("unexpected message %+v", msg)
		}
	}
}

func TestSubscriber_DropsMalformed(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newTestClient("c1", "alice")
	hub.Register(c)
	s := &Subscriber{hub: hub, logger: zerolog.Nop()}

	s.dispatch([]byte("not json"))
	s.dispatch([]byte(`{"userId":"alice"}`))

	select {
	case raw := <-c.Send:
		t.Fatalf("expected nothing delivered, got %s", raw)
	default:
	}
}
