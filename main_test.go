package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"ecb-maintenance/domain"
	"ecb-maintenance/outbox"
)

type stubBackend struct {
	stored  domain.Snapshot
	ok      bool
	loadErr error
	block   chan struct{}
}

func (s *stubBackend) LoadBoard(context.Context) (domain.Snapshot, bool, error) {
	return s.stored, s.ok, s.loadErr
}

func (s *stubBackend) SaveBoard(ctx context.Context, _ domain.Snapshot) error {
	select {
	case <-s.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func openOutbox(t *testing.T, backend outbox.Backend) *outbox.Outbox {
	t.Helper()
	logger, _ := test.NewNullLogger()
	ob, err := outbox.Open(outbox.Config{Dir: t.TempDir(), SaveTimeout: time.Second, HandoffTimeout: time.Second}, backend, logger)
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	return ob
}

func storedSnapshot(version uint64, title string) domain.Snapshot {
	return domain.Snapshot{Version: version, Lists: []domain.List{{ID: 0, Text: title, Cars: []domain.Car{}}}}
}

func TestLoadInitialBoardDefaultsWhenNothingStored(t *testing.T) {
	backend := &stubBackend{block: make(chan struct{})}
	ob := openOutbox(t, backend)
	defer ob.Close()
	defer close(backend.block)

	board, version, err := loadInitialBoard(context.Background(), backend, ob)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if version != 0 || len(board.Lists) != 2 || board.Lists[0].Text != "Pending maintenance" {
		t.Fatalf("expected default board, got v%d %+v", version, board)
	}
}

func TestLoadInitialBoardPrefersNewerPending(t *testing.T) {
	backend := &stubBackend{stored: storedSnapshot(3, "stored"), ok: true, block: make(chan struct{})}
	ob := openOutbox(t, backend)
	defer ob.Close()
	defer close(backend.block)

	board, version, err := loadInitialBoard(context.Background(), backend, ob)
	if err != nil || version != 3 || board.Lists[0].Text != "stored" {
		t.Fatalf("expected stored board, got v%d %+v %v", version, board, err)
	}

	if err := ob.Save(storedSnapshot(5, "journaled")); err != nil {
		t.Fatalf("save: %v", err)
	}
	board, version, err = loadInitialBoard(context.Background(), backend, ob)
	if err != nil || version != 5 || board.Lists[0].Text != "journaled" {
		t.Fatalf("expected journaled board, got v%d %+v %v", version, board, err)
	}
}

func TestLoadInitialBoardPropagatesErrors(t *testing.T) {
	backend := &stubBackend{loadErr: errors.New("table unavailable"), block: make(chan struct{})}
	ob := openOutbox(t, backend)
	defer ob.Close()
	defer close(backend.block)

	if _, _, err := loadInitialBoard(context.Background(), backend, ob); err == nil {
		t.Fatal("expected load error")
	}
}
