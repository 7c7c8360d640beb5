package domain

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// ActionType is the wire tag of an action.
type ActionType string

const (
	ActionAddList        ActionType = "ADD_LIST"
	ActionAddCar         ActionType = "ADD_CAR"
	ActionMoveList       ActionType = "MOVE_LIST"
	ActionMoveCar        ActionType = "MOVE_CAR"
	ActionUpdateCar      ActionType = "UPDATE_CAR"
	ActionSetDraggedItem ActionType = "SET_DRAGGED_ITEM"
)

// Action is one of the board transitions. The set of implementations is closed.
type Action interface {
	Type() ActionType
}

type AddList struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

type AddCar struct {
	ListID       int    `json:"listId"`
	Description  string `json:"description"`
	Make         string `json:"make"`
	Model        string `json:"model"`
	EstimateDate string `json:"estimatedate"`
	KM           int    `json:"km"`
	Image        string `json:"image"`
}

type MoveList struct {
	DragIndex  int `json:"dragIndex"`
	HoverIndex int `json:"hoverIndex"`
}

type MoveCar struct {
	DragIndex    int `json:"dragIndex"`
	HoverIndex   int `json:"hoverIndex"`
	SourceColumn int `json:"sourceColumn"`
	TargetColumn int `json:"targetColumn"`
}

// UpdateCar moves a car like MoveCar and assigns its maintenance date.
type UpdateCar struct {
	DragIndex     int    `json:"dragIndex"`
	HoverIndex    int    `json:"hoverIndex"`
	SourceColumn  int    `json:"sourceColumn"`
	TargetColumn  int    `json:"targetColumn"`
	EstimatedDate string `json:"estimatedDate"`
}

// SetDraggedItem starts (Item set) or ends (Item nil) a drag session.
type SetDraggedItem struct {
	Item *DragItem
}

// Unknown carries an action type the reducer does not handle. Reducing it is a no-op.
type Unknown struct {
	Kind ActionType
}

func (AddList) Type() ActionType        { return ActionAddList }
func (AddCar) Type() ActionType         { return ActionAddCar }
func (MoveList) Type() ActionType       { return ActionMoveList }
func (MoveCar) Type() ActionType        { return ActionMoveCar }
func (UpdateCar) Type() ActionType      { return ActionUpdateCar }
func (SetDraggedItem) Type() ActionType { return ActionSetDraggedItem }
func (u Unknown) Type() ActionType      { return u.Kind }

// Envelope is the wire form of an action: {"type": "...", "payload": {...}}.
type Envelope struct {
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
	Type           ActionType             `json:"type"`
	Payload        sonic.NoCopyRawMessage `json:"payload,omitempty"`
}

// DecodeAction parses a single wire action.
func DecodeAction(data []byte) (Action, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	return env.Action()
}

// Action decodes the payload according to the envelope type. Unrecognised types decode to
// Unknown so callers can pass them through the reducer unchanged.
func (e Envelope) Action() (Action, error) {
	var act Action
	switch e.Type {
	case ActionAddList:
		v := &AddList{}
		if err := e.decode(v); err != nil {
			return nil, err
		}
		act = *v
	case ActionAddCar:
		v := &AddCar{}
		if err := e.decode(v); err != nil {
			return nil, err
		}
		act = *v
	case ActionMoveList:
		v := &MoveList{}
		if err := e.decode(v); err != nil {
			return nil, err
		}
		act = *v
	case ActionMoveCar:
		v := &MoveCar{}
		if err := e.decode(v); err != nil {
			return nil, err
		}
		act = *v
	case ActionUpdateCar:
		v := &UpdateCar{}
		if err := e.decode(v); err != nil {
			return nil, err
		}
		act = *v
	case ActionSetDraggedItem:
		var item *DragItem
		if len(e.Payload) > 0 && string(e.Payload) != "null" {
			item = &DragItem{}
			if err := e.decode(item); err != nil {
				return nil, err
			}
		}
		act = SetDraggedItem{Item: item}
	default:
		act = Unknown{Kind: e.Type}
	}
	return act, nil
}

func (e Envelope) decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("decode %s: missing payload", e.Type)
	}
	if err := sonic.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// EncodeAction renders an action in its wire form.
func EncodeAction(a Action) ([]byte, error) {
	env := Envelope{Type: a.Type()}
	var payload any
	switch v := a.(type) {
	case SetDraggedItem:
		if v.Item != nil {
			payload = v.Item
		}
	case Unknown:
	default:
		payload = v
	}
	if payload != nil {
		raw, err := sonic.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = sonic.NoCopyRawMessage(raw)
	}
	return sonic.Marshal(env)
}
