package api

import "ecb-maintenance/domain"

const postActionsMaxSize = 64 * 1024 // 64 KiB

// MaxBodyBytes caps a request body after gzip inflation.
const MaxBodyBytes int64 = postActionsMaxSize

// Per-action outcomes of POST /api/actions.
const (
	statusApplied   = "applied"
	statusUnchanged = "unchanged"
	statusDuplicate = "duplicate"
	statusRejected  = "rejected"
	statusFailed    = "failed"
)

// GET /api/board response body
type boardResponse struct {
	Version     uint64           `json:"version"`
	Lists       []listView       `json:"lists"`
	DraggedItem *domain.DragItem `json:"draggedItem,omitempty"`
}

type listView struct {
	ID     int       `json:"id"`
	Text   string    `json:"text"`
	Hidden bool      `json:"hidden"`
	Cars   []carView `json:"cars"`
}

type carView struct {
	domain.Car
	Hidden    bool `json:"hidden"`
	Scheduled bool `json:"scheduled"`
}

type actionResult struct {
	IdempotencyKey string            `json:"idempotencyKey"`
	Type           domain.ActionType `json:"type"`
	Status         string            `json:"status"`
	ErrorKind      string            `json:"errorKind,omitempty"`
	Error          string            `json:"error,omitempty"`
	Version        uint64            `json:"version"`
}

// POST /api/actions response body
type postActionsResponse struct {
	Version uint64         `json:"version"`
	Results []actionResult `json:"results"`
}

// POST /api/drag/hover request body. Target is "column" or "card".
type hoverRequest struct {
	Target   string `json:"target"`
	Index    int    `json:"index"`
	ColumnID int    `json:"columnId"`
	CarID    int    `json:"carId"`
}

// POST /api/cars/schedule request body. Index is the car's position in the pending list.
type scheduleRequest struct {
	Index         int    `json:"index"`
	EstimatedDate string `json:"estimatedDate"`
}

type scheduleResponse struct {
	Version uint64     `json:"version"`
	Car     domain.Car `json:"car"`
}

type dragResponse struct {
	Version     uint64           `json:"version"`
	Moved       bool             `json:"moved"`
	DraggedItem *domain.DragItem `json:"draggedItem,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
