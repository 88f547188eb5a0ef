package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/spendguard/internal/logging"
)

type recordingNotifier struct {
	mu    sync.Mutex
	got   []Message
	block chan struct{}
	err   error
}

func (r *recordingNotifier) Send(_ context.Context, m Message) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, m)
	return r.err
}

func (r *recordingNotifier) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.got...)
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewDispatcher(rec, 8, logging.Discard())

	for _, kind := range []string{KindCardApproved, KindSendSubmitted, KindSendConfirmed} {
		if !d.Notify("acct-1", Message{Kind: kind}) {
			t.Fatalf("expected %s to be accepted", kind)
		}
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := rec.messages()
	if len(got) != 3 || got[0].Kind != KindCardApproved || got[2].Kind != KindSendConfirmed {
		t.Fatalf("unexpected deliveries: %+v", got)
	}
	if got[0].AccountID != "acct-1" || got[0].CreatedAt.IsZero() {
		t.Fatalf("expected account id and timestamp to be stamped: %+v", got[0])
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	rec := &recordingNotifier{block: make(chan struct{})}
	d := NewDispatcher(rec, 1, logging.Discard())

	// The worker takes the first message and blocks; the second fills the queue.
	d.Notify("a", Message{Kind: "1"})
	deadline := time.Now().Add(time.Second)
	for len(d.queue) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !d.Notify("a", Message{Kind: "2"}) {
		t.Fatal("expected second message to be queued")
	}
	if d.Notify("a", Message{Kind: "3"}) {
		t.Fatal("expected third message to be dropped")
	}

	close(rec.block)
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := len(rec.messages()); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	if d.Notify("a", Message{Kind: "4"}) {
		t.Fatal("closed dispatcher must reject messages")
	}
}

func TestDispatcherSurvivesDeliveryErrors(t *testing.T) {
	rec := &recordingNotifier{err: errors.New("push gateway down")}
	d := NewDispatcher(rec, 4, logging.Discard())
	d.Notify("a", Message{Kind: KindFraudAlert})
	d.Notify("a", Message{Kind: KindGeoAnomaly})
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := len(rec.messages()); n != 2 {
		t.Fatalf("expected delivery to continue after errors, got %d", n)
	}
}

func TestRedisNotifierPublishes(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, Channel("acct-9"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	n := NewRedisNotifier(client)
	if err := n.Send(ctx, Message{Kind: KindSendConfirmed, AccountID: "acct-9", TransactionID: "tx-1"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var decoded Message
		if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.Kind != KindSendConfirmed || decoded.TransactionID != "tx-1" {
			t.Fatalf("unexpected payload: %+v", decoded)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published notification")
	}
}
