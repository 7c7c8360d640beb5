package domain

import (
	"errors"
	"strings"
	"testing"
)

func pendingBoard() Board {
	b := DefaultBoard()
	b.Lists[0].Cars = []Car{
		{ID: 1, Model: "Golf"},
		{ID: 2, Model: "Polo", EstimateDate: "2026-11-02"},
	}
	b.Lists[1].Cars = []Car{{ID: 3, Model: "Up", EstimateDate: "2026-10-30"}}
	return b
}

func TestScheduleMaintenanceMovesCarToTopOfScheduled(t *testing.T) {
	b := pendingBoard()
	action, err := ScheduleMaintenance(b, 0, " 2026-11-20 ")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	want := UpdateCar{DragIndex: 0, HoverIndex: 0, SourceColumn: PendingListID, TargetColumn: ScheduledListID, EstimatedDate: "2026-11-20"}
	if action != want {
		t.Fatalf("unexpected action %#v", action)
	}

	next, err := Reduce(b, action)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	top := next.Lists[1].Cars[0]
	if top.ID != 1 || top.EstimateDate != "2026-11-20" || len(next.Lists[1].Cars) != 2 {
		t.Fatalf("unexpected scheduled list %#v", next.Lists[1].Cars)
	}
	if b.Lists[0].Cars[0].EstimateDate != "" {
		t.Fatal("input board was modified")
	}
}

func TestScheduleMaintenanceGuards(t *testing.T) {
	noScheduled := DefaultBoard()
	noScheduled.Lists = noScheduled.Lists[:1]
	noScheduled.Lists[0].Cars = []Car{{ID: 1}}

	cases := []struct {
		name  string
		board Board
		index int
		date  string
		want  error
		kind  string
	}{
		{"empty date", pendingBoard(), 0, "  ", ErrEmptyDate, "empty_date"},
		{"already scheduled", pendingBoard(), 1, "2026-12-01", ErrAlreadyScheduled, "already_scheduled"},
		{"index out of range", pendingBoard(), 2, "2026-12-01", ErrIndexOutOfRange, "index_out_of_range"},
		{"negative index", pendingBoard(), -1, "2026-12-01", ErrIndexOutOfRange, "index_out_of_range"},
		{"missing scheduled list", noScheduled, 0, "2026-12-01", ErrInvalidReference, "invalid_reference"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ScheduleMaintenance(tc.board, tc.index, tc.date)
			var ae *ActionError
			if !errors.Is(err, tc.want) || !errors.As(err, &ae) || ae.Kind() != tc.kind || ae.Type != ActionUpdateCar {
				t.Fatalf("expected %v (%s), got %v", tc.want, tc.kind, err)
			}
		})
	}
}

func TestCardDragItemKeepsColumnIDZero(t *testing.T) {
	item := DragItem{Type: ItemCard, Index: 0, ID: 4, ColumnID: PendingListID}
	data, err := EncodeAction(SetDraggedItem{Item: &item})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), `"columnId":0`) {
		t.Fatalf("columnId missing from %s", data)
	}
}
