package api

import (
	"context"

	"ecb-maintenance/domain"
	"ecb-maintenance/outbox"
	"ecb-maintenance/state"
)

// Board is the board owner the handlers dispatch to.
type Board interface {
	Dispatch(ctx context.Context, action domain.Action) (state.Result, error)
	DispatchFrom(ctx context.Context, kind domain.ActionType, build func(domain.Board) (domain.Action, error)) (state.Result, error)
	Current() state.Update
	Subscribe() (<-chan state.Update, func())
}

// Authenticator resolves the operator behind a request.
type Authenticator interface {
	OperatorFromAuthHeader(header string) (string, error)
}

// Deduper prevents an action from being dispatched twice under the same idempotency key.
type Deduper interface {
	// Add records the key and returns true if it was newly added.
	Add(ctx context.Context, operator, key string) (bool, error)
	// Remove deletes a previously added key, used when the action was rejected.
	Remove(ctx context.Context, operator, key string) error
}

// HealthReporter exposes persistence pipeline health for /healthz.
type HealthReporter interface {
	Stats() outbox.Stats
}
