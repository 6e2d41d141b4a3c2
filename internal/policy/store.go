package policy

import "context"

// Store persists the policy version history.
type Store interface {
	Save(ctx context.Context, v *Version) error
	Get(ctx context.Context, id string) (*Version, error)
	List(ctx context.Context, limit int) ([]*Version, error)
	MarkSuperseded(ctx context.Context, id string) error
}
