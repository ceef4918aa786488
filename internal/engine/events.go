package engine

import (
	"context"

	"gigmarket/internal/domain"
	"gigmarket/internal/engine/auth"
	"gigmarket/internal/repo"
)

// ListEvents reads the audit log newest first.
func (e Engine) ListEvents(ctx context.Context, actor auth.Principal, f repo.EventFilters) ([]domain.Event, error) {
	if err := e.require(actor, auth.PermEventsRead); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, f)
}
