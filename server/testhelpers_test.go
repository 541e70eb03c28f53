package server

import (
	"context"

	"github.com/GoCodeAlone/tempo/comms"
	"github.com/GoCodeAlone/tempo/task"
)

// noopTaskStore satisfies task.Store for tests.
type noopTaskStore struct{}

func (n *noopTaskStore) Create(_ context.Context, _ string, _ task.CreateInput) (*task.Task, error) {
	return &task.Task{ID: "test-id", Version: 1}, nil
}
func (n *noopTaskStore) Get(_ context.Context, _, id string) (*task.Task, error) {
	return &task.Task{ID: id, Version: 1}, nil
}
func (n *noopTaskStore) ConditionalUpdate(_ context.Context, _, id string, v int64, _ string, p task.Patch) (*task.Task, error) {
	t := p.Apply(&task.Task{ID: id, Version: v})
	t.Version++
	return t, nil
}
func (n *noopTaskStore) PauseAllRunning(_ context.Context, _, _ string) ([]*task.Task, error) {
	return nil, nil
}
func (n *noopTaskStore) DeleteCascade(_ context.Context, _, _ string) (int, error) { return 1, nil }
func (n *noopTaskStore) Tree(_ context.Context, _ string, _ task.Filter) ([]*task.Task, error) {
	return nil, nil
}
func (n *noopTaskStore) FindRunningOrPaused(_ context.Context, _ string) (*task.Task, error) {
	return nil, nil
}
func (n *noopTaskStore) TreeStats(_ context.Context, _, _ string) (*task.Stats, error) {
	return &task.Stats{}, nil
}

// noopBus satisfies comms.Bus for tests.
type noopBus struct{}

func (n *noopBus) Publish(_ context.Context, _ *comms.Message) error        { return nil }
func (n *noopBus) Subscribe(_ string, _ comms.Handler) (unsubscribe func()) { return func() {} }
func (n *noopBus) History(_ string, _ int) ([]*comms.Message, error)        { return nil, nil }

// countingBus records how often handlers subscribe.
type countingBus struct {
	noopBus
	subscribed int
}

func (c *countingBus) Subscribe(_ string, _ comms.Handler) (unsubscribe func()) {
	c.subscribed++
	return func() {}
}
