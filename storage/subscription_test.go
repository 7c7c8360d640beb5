package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"ecb-maintenance/domain"
)

func TestSubscribeUpdatesDeliversPublishedSnapshots(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()
	logger, hook := test.NewNullLogger()

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan domain.Snapshot, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		SubscribeUpdates(ctx, rc, "board-updates", logger, func(s domain.Snapshot) { got <- s })
	}()

	deadline := time.Now().Add(time.Second)
	for len(mr.PubSubChannels("board-updates")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mr.Publish("board-updates", "{not json")
	mr.Publish("board-updates", `{"version":4,"lists":[{"id":0,"text":"Pending maintenance","cars":[]}]}`)

	select {
	case s := <-got:
		if s.Version != 4 || len(s.Lists) != 1 {
			t.Fatalf("unexpected snapshot: %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("snapshot not delivered")
	}
	if entry := hook.LastEntry(); entry == nil || entry.Message != "unable to parse board update" {
		t.Fatalf("expected parse error to be logged, got %#v", entry)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscriber did not stop on cancel")
	}
}
