package domain

import (
	"errors"
	"reflect"
	"testing"
)

func carIDs(l List) []int {
	ids := make([]int, len(l.Cars))
	for i, c := range l.Cars {
		ids[i] = c.ID
	}
	return ids
}

func listIDs(b Board) []int {
	ids := make([]int, len(b.Lists))
	for i, l := range b.Lists {
		ids[i] = l.ID
	}
	return ids
}

func testBoard() Board {
	return Board{Lists: []List{
		{ID: 1, Text: "X", Cars: []Car{
			{ID: 10, Make: "Ford", Model: "Focus", KM: 1200},
			{ID: 11, Make: "Seat", Model: "Ibiza", EstimateDate: "2024-01-01"},
		}},
		{ID: 2, Text: "Y", Cars: []Car{}},
		{ID: 3, Text: "Z", Cars: []Car{{ID: 12, Make: "Fiat"}}},
	}}
}

func mustReduce(t *testing.T, b Board, a Action) Board {
	t.Helper()
	next, err := Reduce(b, a)
	if err != nil {
		t.Fatalf("reduce %s: %v", a.Type(), err)
	}
	return next
}

func TestUnknownActionIsNoop(t *testing.T) {
	b := testBoard()
	next, err := Reduce(b, Unknown{Kind: "ARCHIVE_LIST"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(next, testBoard()) {
		t.Fatalf("expected board unchanged, got %#v", next)
	}
}

func TestMoveListReorders(t *testing.T) {
	b := Board{Lists: []List{{ID: 1, Text: "A"}, {ID: 2, Text: "B"}, {ID: 3, Text: "C"}}}
	next := mustReduce(t, b, MoveList{DragIndex: 0, HoverIndex: 2})
	if got := listIDs(next); !reflect.DeepEqual(got, []int{2, 3, 1}) {
		t.Fatalf("unexpected order: %v", got)
	}
	if got := listIDs(b); !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Fatalf("input board modified: %v", got)
	}

	back := mustReduce(t, next, MoveList{DragIndex: 2, HoverIndex: 0})
	if got := listIDs(back); !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Fatalf("unexpected order after moving back: %v", got)
	}
}

func TestMoveCarAcrossLists(t *testing.T) {
	b := testBoard()
	next := mustReduce(t, b, MoveCar{DragIndex: 0, HoverIndex: 0, SourceColumn: 1, TargetColumn: 2})

	if got := carIDs(next.Lists[0]); !reflect.DeepEqual(got, []int{11}) {
		t.Fatalf("unexpected source cars: %v", got)
	}
	if got := carIDs(next.Lists[1]); !reflect.DeepEqual(got, []int{10}) {
		t.Fatalf("unexpected target cars: %v", got)
	}
	moved := next.Lists[1].Cars[0]
	if moved.EstimateDate != "" || moved.Make != "Ford" || moved.KM != 1200 {
		t.Fatalf("unexpected moved car: %#v", moved)
	}
}

func TestMoveCarClearsEstimateDate(t *testing.T) {
	b := testBoard()
	next := mustReduce(t, b, MoveCar{DragIndex: 1, HoverIndex: 1, SourceColumn: 1, TargetColumn: 3})
	if got := next.Lists[2].Cars[1]; got.ID != 11 || got.EstimateDate != "" {
		t.Fatalf("expected car 11 with empty date, got %#v", got)
	}
	if b.Lists[0].Cars[1].EstimateDate != "2024-01-01" {
		t.Fatalf("input car modified: %#v", b.Lists[0].Cars[1])
	}
}

func TestUpdateCarSetsDateAndRelocates(t *testing.T) {
	b := testBoard()
	next := mustReduce(t, b, UpdateCar{DragIndex: 0, HoverIndex: 0, SourceColumn: 1, TargetColumn: 2, EstimatedDate: "2024-05-01"})

	if got := next.Lists[1].Cars[0]; got.ID != 10 || got.EstimateDate != "2024-05-01" {
		t.Fatalf("unexpected target car: %#v", got)
	}
	for _, c := range next.Lists[0].Cars {
		if c.ID == 10 {
			t.Fatalf("car 10 still present in source list")
		}
	}
	if b.Lists[0].Cars[0].EstimateDate != "" || len(b.Lists[1].Cars) != 0 {
		t.Fatalf("input board modified: %#v", b)
	}
}

func TestAddListAppends(t *testing.T) {
	b := testBoard()
	next := mustReduce(t, b, AddList{ID: 9, Title: "Done"})
	if len(next.Lists) != len(b.Lists)+1 {
		t.Fatalf("expected %d lists, got %d", len(b.Lists)+1, len(next.Lists))
	}
	last := next.Lists[len(next.Lists)-1]
	if last.ID != 9 || last.Text != "Done" || last.Cars == nil || len(last.Cars) != 0 {
		t.Fatalf("unexpected new list: %#v", last)
	}
	if len(b.Lists) != 3 {
		t.Fatalf("input board modified")
	}
}

func TestAddListRejectsDuplicateID(t *testing.T) {
	b := testBoard()
	next, err := Reduce(b, AddList{ID: 2, Title: "again"})
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	if !reflect.DeepEqual(next, testBoard()) {
		t.Fatalf("expected board unchanged")
	}
}

func TestAddCarAppendsToTargetListOnly(t *testing.T) {
	b := testBoard()
	next := mustReduce(t, b, AddCar{ListID: 2, Description: "brakes", Make: "Opel", Model: "Corsa", KM: 5400, Image: "corsa.png"})

	if !reflect.DeepEqual(next.Lists[0], b.Lists[0]) || !reflect.DeepEqual(next.Lists[2], b.Lists[2]) {
		t.Fatalf("other lists changed: %#v", next.Lists)
	}
	if len(next.Lists[1].Cars) != 1 {
		t.Fatalf("expected one car in list 2, got %d", len(next.Lists[1].Cars))
	}
	car := next.Lists[1].Cars[0]
	want := Car{ID: 13, Description: "brakes", Make: "Opel", Model: "Corsa", KM: 5400, Image: "corsa.png"}
	if car != want {
		t.Fatalf("unexpected car: %#v", car)
	}
}

func TestAddCarGeneratesUniqueIDs(t *testing.T) {
	b := DefaultBoard()
	seen := map[int]bool{}
	for i := 0; i < 5; i++ {
		b = mustReduce(t, b, AddCar{ListID: PendingListID, Make: "m"})
	}
	for _, c := range b.Lists[0].Cars {
		if seen[c.ID] {
			t.Fatalf("duplicate car id %d", c.ID)
		}
		seen[c.ID] = true
	}
	if b.Lists[0].Cars[0].ID != 1 {
		t.Fatalf("expected first id 1, got %d", b.Lists[0].Cars[0].ID)
	}
}

func TestAddCarUnknownList(t *testing.T) {
	b := testBoard()
	_, err := Reduce(b, AddCar{ListID: 42})
	if !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("expected ErrInvalidReference, got %v", err)
	}
	var actionErr *ActionError
	if !errors.As(err, &actionErr) || actionErr.Type != ActionAddCar || actionErr.Kind() != "invalid_reference" {
		t.Fatalf("unexpected error detail: %#v", err)
	}
}

func TestDraggedItemToggle(t *testing.T) {
	b := testBoard()
	item := &DragItem{Type: ItemCard, Index: 0, ID: 10, ColumnID: 1, Text: "Ford"}

	dragging := mustReduce(t, b, SetDraggedItem{Item: item})
	if dragging.DraggedItem == nil || *dragging.DraggedItem != *item {
		t.Fatalf("unexpected dragged item: %#v", dragging.DraggedItem)
	}
	item.Index = 5
	if dragging.DraggedItem.Index != 0 {
		t.Fatalf("board shares the caller's drag item")
	}

	idle := mustReduce(t, dragging, SetDraggedItem{})
	if !reflect.DeepEqual(idle, b) {
		t.Fatalf("expected original board after drag end, got %#v", idle)
	}
}

func TestSameColumnRoundTrip(t *testing.T) {
	base := Board{Lists: []List{{ID: 1, Cars: []Car{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}}}}
	cases := []struct{ i, j int }{{0, 1}, {1, 2}, {0, 3}, {3, 0}, {1, 3}}
	for _, tc := range cases {
		forward := mustReduce(t, base, MoveCar{DragIndex: tc.i, HoverIndex: tc.j, SourceColumn: 1, TargetColumn: 1})
		back := mustReduce(t, forward, MoveCar{DragIndex: tc.j, HoverIndex: tc.i, SourceColumn: 1, TargetColumn: 1})
		if got := carIDs(back.Lists[0]); !reflect.DeepEqual(got, []int{1, 2, 3, 4}) {
			t.Fatalf("move %d->%d and back gave %v", tc.i, tc.j, got)
		}
	}
}

func TestSameColumnMoveUsesPostRemovalIndex(t *testing.T) {
	base := Board{Lists: []List{{ID: 1, Cars: []Car{{ID: 1}, {ID: 2}, {ID: 3}}}}}
	next := mustReduce(t, base, MoveCar{DragIndex: 0, HoverIndex: 2, SourceColumn: 1, TargetColumn: 1})
	if got := carIDs(next.Lists[0]); !reflect.DeepEqual(got, []int{2, 3, 1}) {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestRelocateRejections(t *testing.T) {
	cases := map[string]struct {
		action Action
		want   error
	}{
		"unknown source":       {MoveCar{SourceColumn: 7, TargetColumn: 2}, ErrInvalidReference},
		"unknown target":       {UpdateCar{SourceColumn: 1, TargetColumn: 7}, ErrInvalidReference},
		"drag past end":        {MoveCar{DragIndex: 2, SourceColumn: 1, TargetColumn: 2}, ErrIndexOutOfRange},
		"negative drag":        {MoveCar{DragIndex: -1, SourceColumn: 1, TargetColumn: 2}, ErrIndexOutOfRange},
		"hover past end":       {MoveCar{HoverIndex: 2, SourceColumn: 1, TargetColumn: 3}, ErrIndexOutOfRange},
		"same list hover slot": {MoveCar{HoverIndex: 2, SourceColumn: 1, TargetColumn: 1}, ErrIndexOutOfRange},
		"empty source":         {MoveCar{SourceColumn: 2, TargetColumn: 1}, ErrIndexOutOfRange},
		"list hover past end":  {MoveList{DragIndex: 0, HoverIndex: 3}, ErrIndexOutOfRange},
		"list drag negative":   {MoveList{DragIndex: -1, HoverIndex: 0}, ErrIndexOutOfRange},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			b := testBoard()
			next, err := Reduce(b, tc.action)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !reflect.DeepEqual(next, testBoard()) {
				t.Fatalf("expected board unchanged")
			}
		})
	}
}

func TestMoveCarToEndOfOtherList(t *testing.T) {
	b := testBoard()
	next := mustReduce(t, b, MoveCar{DragIndex: 0, HoverIndex: 1, SourceColumn: 1, TargetColumn: 3})
	if got := carIDs(next.Lists[2]); !reflect.DeepEqual(got, []int{12, 10}) {
		t.Fatalf("unexpected target order: %v", got)
	}
}

func TestIsHidden(t *testing.T) {
	item := &DragItem{Type: ItemCard, ID: 3}
	if !IsHidden(false, item, ItemCard, 3) {
		t.Fatal("expected dragged card to be hidden")
	}
	if IsHidden(true, item, ItemCard, 3) {
		t.Fatal("preview must not be hidden")
	}
	if IsHidden(false, item, ItemColumn, 3) {
		t.Fatal("column with same id must not be hidden")
	}
	if IsHidden(false, nil, ItemCard, 3) {
		t.Fatal("nothing is hidden while idle")
	}
}
