package domain

// Reduce applies action to state and returns the next board. The input board and every
// slice reachable from it are left untouched. When the action's preconditions do not hold
// Reduce returns state unchanged together with an *ActionError. Unknown actions are no-ops.
func Reduce(state Board, action Action) (Board, error) {
	switch a := action.(type) {
	case AddList:
		return addList(state, a)
	case AddCar:
		return addCar(state, a)
	case MoveList:
		return moveList(state, a)
	case MoveCar:
		return relocateCar(state, ActionMoveCar, a.DragIndex, a.HoverIndex, a.SourceColumn, a.TargetColumn, "")
	case UpdateCar:
		return relocateCar(state, ActionUpdateCar, a.DragIndex, a.HoverIndex, a.SourceColumn, a.TargetColumn, a.EstimatedDate)
	case SetDraggedItem:
		next := state
		if a.Item != nil {
			item := *a.Item
			next.DraggedItem = &item
		} else {
			next.DraggedItem = nil
		}
		return next, nil
	default:
		return state, nil
	}
}

func addList(state Board, a AddList) (Board, error) {
	if _, exists := findListIndex(state.Lists, a.ID); exists {
		return state, rejectf(ActionAddList, ErrDuplicateID, "list %d", a.ID)
	}
	next := state
	next.Lists = insertAt(state.Lists, List{ID: a.ID, Text: a.Title, Cars: []Car{}}, len(state.Lists))
	return next, nil
}

func addCar(state Board, a AddCar) (Board, error) {
	idx, ok := findListIndex(state.Lists, a.ListID)
	if !ok {
		return state, rejectf(ActionAddCar, ErrInvalidReference, "list %d", a.ListID)
	}
	car := Car{
		ID:           nextCarID(state.Lists),
		Description:  a.Description,
		Make:         a.Make,
		Model:        a.Model,
		EstimateDate: a.EstimateDate,
		KM:           a.KM,
		Image:        a.Image,
	}
	target := state.Lists[idx]
	target.Cars = insertAt(target.Cars, car, len(target.Cars))

	next := state
	next.Lists = replaceAt(state.Lists, target, idx)
	return next, nil
}

func moveList(state Board, a MoveList) (Board, error) {
	n := len(state.Lists)
	if a.DragIndex < 0 || a.DragIndex >= n {
		return state, rejectf(ActionMoveList, ErrIndexOutOfRange, "dragIndex %d of %d lists", a.DragIndex, n)
	}
	if a.HoverIndex < 0 || a.HoverIndex >= n {
		return state, rejectf(ActionMoveList, ErrIndexOutOfRange, "hoverIndex %d of %d lists", a.HoverIndex, n)
	}
	next := state
	next.Lists = moveItem(state.Lists, a.DragIndex, a.HoverIndex)
	return next, nil
}

// relocateCar removes the car at drag from the source list, stamps its estimate date, and
// inserts it at hover in the target list. hover indexes the target after the removal, so
// source == target is a reorder within one column.
func relocateCar(state Board, t ActionType, drag, hover, source, target int, date string) (Board, error) {
	srcIdx, ok := findListIndex(state.Lists, source)
	if !ok {
		return state, rejectf(t, ErrInvalidReference, "source list %d", source)
	}
	dstIdx, ok := findListIndex(state.Lists, target)
	if !ok {
		return state, rejectf(t, ErrInvalidReference, "target list %d", target)
	}

	src := state.Lists[srcIdx]
	if drag < 0 || drag >= len(src.Cars) {
		return state, rejectf(t, ErrIndexOutOfRange, "dragIndex %d of %d cars in list %d", drag, len(src.Cars), source)
	}
	room := len(state.Lists[dstIdx].Cars)
	if srcIdx == dstIdx {
		room--
	}
	if hover < 0 || hover > room {
		return state, rejectf(t, ErrIndexOutOfRange, "hoverIndex %d for %d slots in list %d", hover, room+1, target)
	}

	car := src.Cars[drag]
	car.EstimateDate = date

	src.Cars = removeAt(src.Cars, drag)
	lists := replaceAt(state.Lists, src, srcIdx)

	dst := lists[dstIdx]
	dst.Cars = insertAt(dst.Cars, car, hover)
	lists[dstIdx] = dst

	next := state
	next.Lists = lists
	return next, nil
}
