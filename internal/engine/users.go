package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"gigmarket/internal/domain"
	"gigmarket/internal/engine/auth"
	"gigmarket/internal/repo"
)

// CreateUser registers a user record. Identity itself lives outside the
// marketplace; this only gives other rows something to reference.
func (e Engine) CreateUser(ctx context.Context, actor auth.Principal, u domain.User) (domain.User, error) {
	if err := e.require(actor, auth.PermUserManage); err != nil {
		return domain.User{}, err
	}
	if strings.TrimSpace(u.ID) == "" {
		u.ID = uuid.NewString()
	}
	if strings.TrimSpace(u.DisplayName) == "" {
		u.DisplayName = u.ID
	}
	u.CreatedAt = e.stamp()
	err := e.inTx(ctx, func(s *scope) error {
		if err := e.Repo.InsertUser(ctx, s.tx, u); err != nil {
			if repo.IsUniqueViolation(err) {
				return fmt.Errorf("%w: user %s", ErrAlreadyExists, u.ID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (e Engine) GetUser(ctx context.Context, id string) (domain.User, error) {
	return e.Repo.GetUser(ctx, id)
}

func (e Engine) ListUsers(ctx context.Context) ([]domain.User, error) {
	return e.Repo.ListUsers(ctx)
}

// SetSubscription replaces a user's subscription record.
func (e Engine) SetSubscription(ctx context.Context, actor auth.Principal, sub domain.Subscription) (domain.Subscription, error) {
	if err := e.require(actor, auth.PermUserManage); err != nil {
		return domain.Subscription{}, err
	}
	if strings.TrimSpace(sub.PackageName) == "" {
		return domain.Subscription{}, fmt.Errorf("%w: package name is required", ErrInvalidInput)
	}
	switch sub.Status {
	case "":
		sub.Status = "active"
	case "active", "expired", "cancelled":
	default:
		return domain.Subscription{}, fmt.Errorf("%w: unknown subscription status %q", ErrInvalidInput, sub.Status)
	}
	for _, d := range []string{sub.StartDate, sub.EndDate} {
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			return domain.Subscription{}, fmt.Errorf("%w: date %q", ErrInvalidInput, d)
		}
	}
	if sub.EndDate < sub.StartDate {
		return domain.Subscription{}, fmt.Errorf("%w: subscription ends before it starts", ErrInvalidInput)
	}
	if sub.MaxBidsPerDay != nil && *sub.MaxBidsPerDay <= 0 {
		return domain.Subscription{}, fmt.Errorf("%w: max bids per day must be positive", ErrInvalidInput)
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.CreatedAt = e.stamp()
	err := e.inTx(ctx, func(s *scope) error {
		if _, err := e.Repo.GetUserTx(ctx, s.tx, sub.UserID); err != nil {
			return fmt.Errorf("user %s: %w", sub.UserID, err)
		}
		return e.Repo.UpsertSubscription(ctx, s.tx, sub)
	})
	if err != nil {
		return domain.Subscription{}, err
	}
	return sub, nil
}
