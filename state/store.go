package state

import (
	"context"
	"reflect"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ecb-maintenance/domain"
)

const tracerName = "ecb-maintenance/state"

// Saver receives every settled board change. Implementations must not block for long;
// the store logs and otherwise ignores their errors.
type Saver interface {
	Save(snapshot domain.Snapshot) error
}

// Update is delivered to subscribers after each change.
type Update struct {
	Version uint64       `json:"version"`
	Board   domain.Board `json:"board"`
}

// Result describes the outcome of a dispatch.
type Result struct {
	Version uint64
	Changed bool
	Board   domain.Board
}

// Store owns the board and serialises every transition through domain.Reduce.
type Store struct {
	mu      sync.Mutex
	board   domain.Board
	version uint64
	// saved counts list changes only. Snapshots carry it, so instances sharing storage compare
	// like with like regardless of local drag traffic.
	saved uint64

	saver  Saver
	logger *log.Logger
	tracer trace.Tracer
	now    func() time.Time

	subsMu  sync.Mutex
	subs    map[int]chan Update
	nextSub int
}

// New creates a store seeded with initial at the given version. saver may be nil.
func New(initial domain.Board, version uint64, saver Saver, logger *log.Logger) *Store {
	if logger == nil {
		panic("state.New: logger is required")
	}
	return &Store{
		board:   initial.Clone(),
		version: version,
		saved:   version,
		saver:   saver,
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
		subs:    make(map[int]chan Update),
	}
}

// Dispatch applies action to the current board. A rejected action leaves the board and its
// version untouched and returns the *domain.ActionError from the reducer.
func (s *Store) Dispatch(ctx context.Context, action domain.Action) (Result, error) {
	return s.DispatchFrom(ctx, action.Type(), func(domain.Board) (domain.Action, error) {
		return action, nil
	})
}

// DispatchFrom builds an action of type kind from the current board and applies it without
// releasing the lock in between. An error from build is treated as a rejection.
func (s *Store) DispatchFrom(ctx context.Context, kind domain.ActionType, build func(domain.Board) (domain.Action, error)) (Result, error) {
	_, span := s.tracer.Start(ctx, "board.dispatch", trace.WithAttributes(
		attribute.String("board.action", string(kind)),
	))
	defer span.End()

	s.mu.Lock()
	prev := s.board
	action, err := build(prev)
	next := prev
	if err == nil {
		next, err = domain.Reduce(prev, action)
	}
	if err != nil {
		version := s.version
		s.mu.Unlock()

		span.RecordError(err)
		span.SetStatus(codes.Error, "action rejected")
		s.logger.WithError(err).WithFields(log.Fields{
			"action":  kind,
			"version": version,
		}).Warn("board action rejected")
		return Result{Version: version, Board: prev.Clone()}, err
	}

	if reflect.DeepEqual(prev, next) {
		version := s.version
		s.mu.Unlock()
		span.SetAttributes(attribute.Bool("board.changed", false), attribute.Int64("board.version", int64(version)))
		return Result{Version: version, Board: prev.Clone()}, nil
	}

	s.version++
	s.board = next
	version := s.version
	listsChanged := !reflect.DeepEqual(prev.Lists, next.Lists)
	var snapshot domain.Snapshot
	if listsChanged {
		s.saved++
		snapshot = domain.Snapshot{Version: s.saved, Lists: domain.CloneLists(next.Lists), UpdatedAt: s.now().UTC()}
	}
	s.publish(Update{Version: version, Board: next.Clone()})
	s.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("board.changed", true),
		attribute.Bool("board.lists_changed", listsChanged),
		attribute.Int64("board.version", int64(version)),
	)
	s.logger.WithFields(log.Fields{"action": kind, "version": version}).Debug("board action applied")

	// Saves run outside the lock; the persistence side orders snapshots by version.
	if listsChanged && s.saver != nil {
		if err := s.saver.Save(snapshot); err != nil {
			s.logger.WithError(err).WithField("version", snapshot.Version).Error("board save failed")
		}
	}

	return Result{Version: version, Changed: true, Board: next.Clone()}, nil
}

// Adopt replaces the lists with a snapshot saved elsewhere when it is newer than the last
// saved version. The local drag state is kept and nothing is saved. It reports whether the
// snapshot was taken.
func (s *Store) Adopt(snap domain.Snapshot) bool {
	s.mu.Lock()
	if snap.Version <= s.saved {
		s.mu.Unlock()
		return false
	}
	next := domain.Board{Lists: domain.CloneLists(snap.Lists), DraggedItem: s.board.DraggedItem}
	s.board = next
	s.saved = snap.Version
	s.version++
	version := s.version
	s.publish(Update{Version: version, Board: next.Clone()})
	s.mu.Unlock()

	s.logger.WithFields(log.Fields{"version": version, "saved": snap.Version}).Debug("board snapshot adopted")
	return true
}

// Board returns a copy of the current board.
func (s *Store) Board() domain.Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.board.Clone()
}

// Version returns the number of changes applied since the board was created.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// SavedVersion returns the version carried by the latest snapshot handed to the saver or
// adopted from elsewhere.
func (s *Store) SavedVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved
}

// Current returns the board together with its version.
func (s *Store) Current() Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Update{Version: s.version, Board: s.board.Clone()}
}

// Subscribe registers for board updates. Each subscriber holds at most the latest
// undelivered update; older ones are dropped. The returned func unsubscribes.
func (s *Store) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 1)

	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) publish(u Update) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
		}
	}
}
