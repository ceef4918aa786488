package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gigmarket/internal/domain"
	"gigmarket/internal/engine/auth"
	"gigmarket/internal/events"
	"gigmarket/internal/repo"
)

// Score weights. Professionalism counts one and a half times.
var ratingWeights = struct {
	Professionalism, Other decimal.Decimal
}{decimal.RequireFromString("1.5"), decimal.NewFromInt(1)}

// WeightedScore averages the six criteria using ratingWeights, rounded to
// two places.
func WeightedScore(s domain.RatingScores) decimal.Decimal {
	other := decimal.NewFromInt(int64(s.Communication + s.Quality + s.Expertise + s.Timeliness + s.Repeat)).Mul(ratingWeights.Other)
	sum := decimal.NewFromInt(int64(s.Professionalism)).Mul(ratingWeights.Professionalism).Add(other)
	total := ratingWeights.Professionalism.Add(ratingWeights.Other.Mul(decimal.NewFromInt(5)))
	return sum.Div(total).Round(2)
}

func validScores(s domain.RatingScores) bool {
	for _, v := range []int{s.Professionalism, s.Communication, s.Quality, s.Expertise, s.Timeliness, s.Repeat} {
		if v < 1 || v > 5 {
			return false
		}
	}
	return true
}

// RatingOptions describe one rating. RatedID may be empty; it then defaults
// to the rater's counterpart on the project.
type RatingOptions struct {
	ProjectID string
	RatedID   string
	Scores    domain.RatingScores
	Comment   string
}

// CreateRating lets the owner and the hired freelancer of a completed
// project rate each other once.
func (e Engine) CreateRating(ctx context.Context, actor auth.Principal, opts RatingOptions) (domain.Rating, error) {
	if err := e.require(actor, auth.PermRatingCreate); err != nil {
		return domain.Rating{}, err
	}
	if !validScores(opts.Scores) {
		return domain.Rating{}, fmt.Errorf("%w: scores must be between 1 and 5", ErrInvalidInput)
	}
	var rt domain.Rating
	err := e.inTx(ctx, func(s *scope) error {
		p, err := e.Repo.GetProjectTx(ctx, s.tx, opts.ProjectID)
		if err != nil {
			return fmt.Errorf("project %s: %w", opts.ProjectID, err)
		}
		if p.Status != domain.ProjectCompleted {
			return fmt.Errorf("%w: project is %s", ErrInvalidState, p.Status)
		}
		bid, err := e.selectedBid(ctx, s, p)
		if err != nil {
			return err
		}
		rt = domain.Rating{
			ID:        uuid.NewString(),
			ProjectID: p.ID,
			RaterID:   actor.ID,
			Scores:    opts.Scores,
			Weighted:  WeightedScore(opts.Scores),
			Comment:   opts.Comment,
			CreatedAt: e.stamp(),
		}
		switch actor.ID {
		case p.OwnerID:
			rt.RatedID, rt.RaterRole = bid.FreelancerID, auth.RoleOwner
		case bid.FreelancerID:
			rt.RatedID, rt.RaterRole = p.OwnerID, auth.RoleFreelancer
		default:
			return auth.ForbiddenError{Permission: auth.PermRatingCreate}
		}
		if opts.RatedID != "" && opts.RatedID != rt.RatedID {
			return auth.ForbiddenError{Permission: auth.PermRatingCreate}
		}
		if err := e.Repo.InsertRating(ctx, s.tx, rt); err != nil {
			if repo.IsUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("insert rating: %w", err)
		}
		return e.appendEvent(ctx, s, events.Record{
			Type:       events.RatingCreated,
			ProjectID:  p.ID,
			EntityKind: "rating",
			EntityID:   rt.ID,
			ActorID:    actor.ID,
			Payload:    events.EventPayload{"rated_id": rt.RatedID, "weighted": rt.Weighted.String()},
		})
	})
	if err != nil {
		return domain.Rating{}, err
	}
	return rt, nil
}

func (e Engine) ListRatings(ctx context.Context, f repo.RatingFilters) ([]domain.Rating, error) {
	return e.Repo.ListRatings(ctx, f)
}

// AverageRating is the mean weighted score received by userID and the
// number of ratings behind it.
func (e Engine) AverageRating(ctx context.Context, userID string) (decimal.Decimal, int, error) {
	ratings, err := e.Repo.ListRatings(ctx, repo.RatingFilters{RatedID: userID})
	if err != nil {
		return decimal.Zero, 0, err
	}
	if len(ratings) == 0 {
		return decimal.Zero, 0, nil
	}
	sum := decimal.Zero
	for _, r := range ratings {
		sum = sum.Add(r.Weighted)
	}
	return sum.Div(decimal.NewFromInt(int64(len(ratings)))).Round(2), len(ratings), nil
}
