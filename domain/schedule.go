package domain

import "strings"

// ScheduleMaintenance builds the UPDATE_CAR that gives the unscheduled car at index in the
// pending list a maintenance date and moves it to the top of the scheduled list.
func ScheduleMaintenance(b Board, index int, date string) (UpdateCar, error) {
	date = strings.TrimSpace(date)
	if date == "" {
		return UpdateCar{}, rejectf(ActionUpdateCar, ErrEmptyDate, "car index %d", index)
	}
	li, ok := findListIndex(b.Lists, PendingListID)
	if !ok {
		return UpdateCar{}, rejectf(ActionUpdateCar, ErrInvalidReference, "list %d", PendingListID)
	}
	if _, ok := findListIndex(b.Lists, ScheduledListID); !ok {
		return UpdateCar{}, rejectf(ActionUpdateCar, ErrInvalidReference, "list %d", ScheduledListID)
	}
	cars := b.Lists[li].Cars
	if index < 0 || index >= len(cars) {
		return UpdateCar{}, rejectf(ActionUpdateCar, ErrIndexOutOfRange, "car index %d of %d", index, len(cars))
	}
	if cars[index].Scheduled() {
		return UpdateCar{}, rejectf(ActionUpdateCar, ErrAlreadyScheduled, "car %d", cars[index].ID)
	}
	return UpdateCar{
		DragIndex:     index,
		HoverIndex:    0,
		SourceColumn:  PendingListID,
		TargetColumn:  ScheduledListID,
		EstimatedDate: date,
	}, nil
}
