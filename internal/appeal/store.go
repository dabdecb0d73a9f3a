package appeal

import (
	"context"

	"github.com/avoronin/dialdesk/internal/types"
)

// Store persists interaction annotations. Save upserts by call id so a
// wrap-up submitted twice for the same call overwrites instead of
// duplicating.
type Store interface {
	Save(ctx context.Context, appeal types.Appeal) (types.Appeal, error)
	Get(ctx context.Context, callID string) (*types.Appeal, error)
	ListByOperator(ctx context.Context, operatorID string) ([]types.Appeal, error)
}

// NoopStore is used when the appeal backend is disabled. Writes succeed
// silently and reads come back empty.
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (s *NoopStore) Save(_ context.Context, appeal types.Appeal) (types.Appeal, error) {
	return appeal, nil
}

func (s *NoopStore) Get(_ context.Context, _ string) (*types.Appeal, error) { return nil, nil }

func (s *NoopStore) ListByOperator(_ context.Context, _ string) ([]types.Appeal, error) {
	return nil, nil
}
