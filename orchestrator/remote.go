package orchestrator

import (
	"context"

	"github.com/GoCodeAlone/tempo/task"
)

// Remote is the authoritative side of the protocol, seen from one user's
// client. Implemented by the HTTP client and by StoreRemote.
type Remote interface {
	Tree(ctx context.Context, f task.Filter) ([]*task.Task, error)
	Create(ctx context.Context, in task.CreateInput) (*task.Task, error)
	ConditionalUpdate(ctx context.Context, id string, version int64, deviceID string, p task.Patch) (*task.Task, error)
	Delete(ctx context.Context, id string) (int, error)
}

// StoreRemote adapts a task.Store to Remote for a single user, for clients
// embedded in the same process as the store.
type StoreRemote struct {
	store  task.Store
	userID string
}

// NewStoreRemote returns a Remote that calls store directly as userID.
func NewStoreRemote(store task.Store, userID string) *StoreRemote {
	return &StoreRemote{store: store, userID: userID}
}

func (r *StoreRemote) Tree(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	return r.store.Tree(ctx, r.userID, f)
}

func (r *StoreRemote) Create(ctx context.Context, in task.CreateInput) (*task.Task, error) {
	return r.store.Create(ctx, r.userID, in)
}

func (r *StoreRemote) ConditionalUpdate(ctx context.Context, id string, version int64, deviceID string, p task.Patch) (*task.Task, error) {
	return r.store.ConditionalUpdate(ctx, r.userID, id, version, deviceID, p)
}

func (r *StoreRemote) Delete(ctx context.Context, id string) (int, error) {
	return r.store.DeleteCascade(ctx, r.userID, id)
}
