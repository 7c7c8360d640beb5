// Package dnd turns drag-and-drop gestures into board actions.
package dnd

import (
	"context"
	"errors"
	"sync"

	"ecb-maintenance/domain"
	"ecb-maintenance/state"
)

var (
	ErrNoDrag      = errors.New("no drag in progress")
	ErrWrongItem   = errors.New("gesture does not apply to the dragged item")
	ErrInvalidItem = errors.New("invalid drag item")
)

// Dispatcher is the capability a session needs from the board owner.
type Dispatcher interface {
	Dispatch(ctx context.Context, action domain.Action) (state.Result, error)
}

// Session tracks one drag gesture. The dragged item's Index and ColumnID follow the item as
// hover events move it, so every hover is expressed relative to where the item is now.
type Session struct {
	d    Dispatcher
	mu   sync.Mutex
	item *domain.DragItem
}

func NewSession(d Dispatcher) *Session {
	return &Session{d: d}
}

// Item returns a copy of the dragged item, or nil when idle.
func (s *Session) Item() *domain.DragItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.item == nil {
		return nil
	}
	item := *s.item
	return &item
}

// Begin starts dragging item, replacing any drag already in progress.
func (s *Session) Begin(ctx context.Context, item domain.DragItem) (state.Result, error) {
	if item.Type != domain.ItemColumn && item.Type != domain.ItemCard {
		return state.Result{}, ErrInvalidItem
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.d.Dispatch(ctx, domain.SetDraggedItem{Item: &item})
	if err != nil {
		return res, err
	}
	s.item = &item
	return res, nil
}

// HoverColumn handles the dragged item passing over the column at index with the given id.
// Hovering a column over itself or a card over its own column does nothing.
func (s *Session) HoverColumn(ctx context.Context, index, columnID int) (state.Result, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.item == nil {
		return state.Result{}, false, ErrNoDrag
	}

	if s.item.Type == domain.ItemColumn {
		if s.item.Index == index {
			return state.Result{}, false, nil
		}
		res, err := s.d.Dispatch(ctx, domain.MoveList{DragIndex: s.item.Index, HoverIndex: index})
		if err != nil {
			return res, false, err
		}
		s.item.Index = index
		return res, true, nil
	}

	if s.item.ColumnID == columnID {
		return state.Result{}, false, nil
	}
	res, err := s.d.Dispatch(ctx, domain.MoveCar{
		DragIndex:    s.item.Index,
		HoverIndex:   0,
		SourceColumn: s.item.ColumnID,
		TargetColumn: columnID,
	})
	if err != nil {
		return res, false, err
	}
	s.item.Index = 0
	s.item.ColumnID = columnID
	return res, true, nil
}

// HoverCard handles a dragged card passing over the card carID at index in columnID.
func (s *Session) HoverCard(ctx context.Context, index, carID, columnID int) (state.Result, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.item == nil {
		return state.Result{}, false, ErrNoDrag
	}
	if s.item.Type != domain.ItemCard {
		return state.Result{}, false, ErrWrongItem
	}
	if s.item.ID == carID {
		return state.Result{}, false, nil
	}

	res, err := s.d.Dispatch(ctx, domain.MoveCar{
		DragIndex:    s.item.Index,
		HoverIndex:   index,
		SourceColumn: s.item.ColumnID,
		TargetColumn: columnID,
	})
	if err != nil {
		return res, false, err
	}
	s.item.Index = index
	s.item.ColumnID = columnID
	return res, true, nil
}

// End finishes the gesture, whether it was dropped or cancelled.
func (s *Session) End(ctx context.Context) (state.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.item == nil {
		return state.Result{}, ErrNoDrag
	}
	res, err := s.d.Dispatch(ctx, domain.SetDraggedItem{})
	if err != nil {
		return res, err
	}
	s.item = nil
	return res, nil
}

// Sessions keeps one drag session per operator.
type Sessions struct {
	d        Dispatcher
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessions(d Dispatcher) *Sessions {
	return &Sessions{d: d, sessions: make(map[string]*Session)}
}

// Get returns the operator's session, creating it on first use.
func (s *Sessions) Get(operator string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[operator]
	if !ok {
		sess = NewSession(s.d)
		s.sessions[operator] = sess
	}
	return sess
}

// End finishes and forgets the operator's session. It fails with ErrNoDrag when the operator
// is not dragging anything, leaving other operators' drag state alone.
func (s *Sessions) End(ctx context.Context, operator string) (state.Result, error) {
	s.mu.Lock()
	sess, ok := s.sessions[operator]
	s.mu.Unlock()
	if !ok {
		return state.Result{}, ErrNoDrag
	}
	res, err := sess.End(ctx)
	if err != nil {
		return res, err
	}
	s.mu.Lock()
	if s.sessions[operator] == sess {
		delete(s.sessions, operator)
	}
	s.mu.Unlock()
	return res, nil
}
