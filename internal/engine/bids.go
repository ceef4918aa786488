package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gigmarket/internal/domain"
	"gigmarket/internal/engine/auth"
	"gigmarket/internal/events"
	"gigmarket/internal/repo"
)

// BidCreateOptions are parameters for submitting a bid.
// OwnerID defaults to the project owner and SubmittedAt to now.
type BidCreateOptions struct {
	ProjectID    string
	OwnerID      string
	Amount       decimal.Decimal
	Currency     string
	DeliveryDays int
	Description  string
	SubmittedAt  string
}

// MaxBidsPerDay is the daily allowance for userID: the active subscription's
// limit when it sets one, the configured default otherwise.
func (e Engine) MaxBidsPerDay(ctx context.Context, userID string) (int, error) {
	limit := e.Config.Marketplace.DefaultMaxBidsPerDay
	if e.Subscriptions == nil {
		return limit, nil
	}
	sub, err := e.Subscriptions.ActiveSubscription(ctx, userID, e.today())
	if errors.Is(err, repo.ErrNotFound) {
		return limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("subscription lookup: %w", err)
	}
	if sub.MaxBidsPerDay != nil && *sub.MaxBidsPerDay > 0 {
		return *sub.MaxBidsPerDay, nil
	}
	return limit, nil
}

// CreateBid admits a bid by the calling freelancer. Quota consumption and
// the bid row commit together or not at all.
func (e Engine) CreateBid(ctx context.Context, actor auth.Principal, opts BidCreateOptions) (domain.Bid, error) {
	if err := e.require(actor, auth.PermBidCreate); err != nil {
		return domain.Bid{}, err
	}
	if err := positive(opts.Amount); err != nil {
		return domain.Bid{}, err
	}
	if opts.DeliveryDays <= 0 {
		return domain.Bid{}, fmt.Errorf("%w: delivery time must be positive", ErrInvalidInput)
	}
	project, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Bid{}, fmt.Errorf("project %s: %w", opts.ProjectID, err)
	}
	if opts.OwnerID == "" {
		opts.OwnerID = project.OwnerID
	}
	if opts.OwnerID != project.OwnerID {
		return domain.Bid{}, fmt.Errorf("%w: owner %s does not own project %s", ErrInvalidState, opts.OwnerID, project.ID)
	}
	if _, err := e.Repo.GetUser(ctx, opts.OwnerID); err != nil {
		return domain.Bid{}, fmt.Errorf("owner %s: %w", opts.OwnerID, err)
	}
	if _, err := e.Repo.GetUser(ctx, actor.ID); err != nil {
		return domain.Bid{}, fmt.Errorf("freelancer %s: %w", actor.ID, err)
	}
	if project.OwnerID == actor.ID {
		return domain.Bid{}, fmt.Errorf("%w: owners cannot bid on their own project", ErrInvalidState)
	}
	if project.Status != domain.ProjectPending {
		return domain.Bid{}, ErrProjectNotOpen
	}
	if _, err := e.Repo.FindBid(ctx, project.ID, actor.ID); err == nil {
		return domain.Bid{}, ErrDuplicateBid
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Bid{}, err
	}
	limit, err := e.MaxBidsPerDay(ctx, actor.ID)
	if err != nil {
		return domain.Bid{}, err
	}

	bid := domain.Bid{
		ID:           uuid.NewString(),
		ProjectID:    project.ID,
		FreelancerID: actor.ID,
		OwnerID:      project.OwnerID,
		Amount:       opts.Amount,
		Currency:     strings.ToUpper(opts.Currency),
		DeliveryDays: opts.DeliveryDays,
		Description:  opts.Description,
		Status:       domain.BidPending,
		SubmittedAt:  opts.SubmittedAt,
	}
	if bid.Currency == "" {
		bid.Currency = e.Config.Marketplace.DefaultCurrency
	}
	if bid.SubmittedAt == "" {
		bid.SubmittedAt = e.stamp()
	}
	err = e.inTx(ctx, func(s *scope) error {
		// Status and bids may have moved since the reads above.
		current, err := e.Repo.GetProjectTx(ctx, s.tx, project.ID)
		if err != nil {
			return err
		}
		if current.Status != domain.ProjectPending {
			return ErrProjectNotOpen
		}
		if _, err := e.Repo.FindBidTx(ctx, s.tx, project.ID, actor.ID); err == nil {
			return ErrDuplicateBid
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		ok, err := e.Repo.ConsumeBidQuota(ctx, s.tx, actor.ID, limit, e.today())
		if err != nil {
			return fmt.Errorf("consume bid quota: %w", err)
		}
		if !ok {
			return ErrDailyQuotaExceeded
		}
		if err := e.Repo.InsertBid(ctx, s.tx, bid); err != nil {
			if repo.IsUniqueViolation(err) {
				return ErrDuplicateBid
			}
			return fmt.Errorf("insert bid: %w", err)
		}
		return e.appendEvent(ctx, s, events.Record{
			Type:       events.BidCreated,
			ProjectID:  project.ID,
			EntityKind: "bid",
			EntityID:   bid.ID,
			ActorID:    actor.ID,
			Payload:    events.EventPayload{"amount": bid.Amount.String(), "currency": bid.Currency},
		})
	})
	if err != nil {
		return domain.Bid{}, err
	}
	return bid, nil
}

// RemainingBids reports how many bids userID may still submit today.
func (e Engine) RemainingBids(ctx context.Context, userID string) (int, error) {
	limit, err := e.MaxBidsPerDay(ctx, userID)
	if err != nil {
		return 0, err
	}
	q, err := e.Repo.GetBidQuota(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && q.ResetOn != e.today()) {
		return limit, nil
	}
	if err != nil {
		return 0, err
	}
	return q.Remaining, nil
}

func (e Engine) GetBid(ctx context.Context, id string) (domain.Bid, error) {
	return e.Repo.GetBid(ctx, id)
}

func (e Engine) ListBids(ctx context.Context, f repo.BidFilters) ([]domain.Bid, error) {
	return e.Repo.ListBids(ctx, f)
}
