package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gigmarket/internal/domain"
	"gigmarket/internal/engine/auth"
	"gigmarket/internal/events"
	"gigmarket/internal/notify"
	"gigmarket/internal/repo"
)

// Share of the bid held in escrow between testing and completion.
const escrowPct = 30

type ProjectCreateOptions struct {
	Name         string
	Description  string
	Budget       decimal.Decimal
	DurationDays int
	Skills       []string
	Category     string
}

func (e Engine) CreateProject(ctx context.Context, actor auth.Principal, opts ProjectCreateOptions) (domain.Project, error) {
	if err := e.require(actor, auth.PermProjectCreate); err != nil {
		return domain.Project{}, err
	}
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Project{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if !opts.Budget.IsPositive() {
		return domain.Project{}, fmt.Errorf("%w: budget must be positive", ErrInvalidInput)
	}
	if opts.DurationDays <= 0 {
		return domain.Project{}, fmt.Errorf("%w: duration must be positive", ErrInvalidInput)
	}
	now := e.stamp()
	p := domain.Project{
		ID:           uuid.NewString(),
		OwnerID:      actor.ID,
		Name:         strings.TrimSpace(opts.Name),
		Description:  opts.Description,
		Budget:       opts.Budget,
		DurationDays: opts.DurationDays,
		Skills:       opts.Skills,
		Category:     opts.Category,
		Status:       domain.ProjectPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := e.inTx(ctx, func(s *scope) error {
		if err := e.Repo.EnsureUser(ctx, s.tx, actor.ID, now); err != nil {
			return err
		}
		if err := e.Repo.InsertProject(ctx, s.tx, p); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		return e.appendEvent(ctx, s, events.Record{
			Type:       events.ProjectCreated,
			ProjectID:  p.ID,
			EntityKind: "project",
			EntityID:   p.ID,
			ActorID:    actor.ID,
			Payload:    events.EventPayload{"budget": p.Budget.String(), "duration_days": p.DurationDays},
		})
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, id)
}

func (e Engine) ListProjects(ctx context.Context, f repo.ProjectFilters) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx, f)
}

func (e Engine) ensureOwner(actor auth.Principal, p domain.Project) error {
	if actor.ID == p.OwnerID && e.Policy.Can(actor, auth.PermProjectManage) {
		return nil
	}
	return auth.ForbiddenError{Permission: auth.PermProjectManage}
}

func (e Engine) ensureOwnerOrAdmin(actor auth.Principal, p domain.Project) error {
	if e.ensureOwner(actor, p) == nil || e.Policy.Can(actor, auth.PermStatusOverride) {
		return nil
	}
	return auth.ForbiddenError{Permission: auth.PermProjectManage}
}

func (e Engine) moveProject(ctx context.Context, s *scope, p *domain.Project, to domain.ProjectStatus, actorID string, force bool) error {
	if err := ensureProjectTransition(p.Status, to, force); err != nil {
		return err
	}
	from := p.Status
	p.Status = to
	p.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateProjectState(ctx, s.tx, *p); err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return e.appendEvent(ctx, s, events.Record{
		Type:       events.ProjectStatusChanged,
		ProjectID:  p.ID,
		EntityKind: "project",
		EntityID:   p.ID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"from": string(from), "to": string(to), "forced": force},
	})
}

func (e Engine) selectedBid(ctx context.Context, s *scope, p domain.Project) (domain.Bid, error) {
	if p.SelectedBidID == nil {
		return domain.Bid{}, ErrNoAcceptedBid
	}
	bid, err := e.Repo.GetBidTx(ctx, s.tx, *p.SelectedBidID)
	if errors.Is(err, repo.ErrNotFound) {
		return bid, ErrNoAcceptedBid
	}
	return bid, err
}

// AcceptBid hires the bid's freelancer. The owner's funds move to the site
// account and the negotiation room opens, all in one transaction.
func (e Engine) AcceptBid(ctx context.Context, actor auth.Principal, projectID, bidID string) (domain.Project, error) {
	var p domain.Project
	var bid domain.Bid
	err := e.inTx(ctx, func(s *scope) error {
		var err error
		p, err = e.Repo.GetProjectTx(ctx, s.tx, projectID)
		if err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
		if err := e.ensureOwner(actor, p); err != nil {
			return err
		}
		if p.Status != domain.ProjectPending {
			return fmt.Errorf("%w: project is %s", ErrInvalidState, p.Status)
		}
		bid, err = e.Repo.GetBidTx(ctx, s.tx, bidID)
		if err != nil {
			return fmt.Errorf("bid %s: %w", bidID, err)
		}
		if bid.ProjectID != p.ID {
			return fmt.Errorf("bid %s: %w", bidID, repo.ErrNotFound)
		}
		if bid.Status != domain.BidPending {
			return fmt.Errorf("%w: bid is %s", ErrInvalidState, bid.Status)
		}
		if p.DurationDays <= 0 {
			return fmt.Errorf("%w: project duration must be positive", ErrInvalidState)
		}
		start := e.now().In(e.Config.Location())
		startDate := start.Format(time.DateOnly)
		endDate := start.AddDate(0, 0, p.DurationDays).Format(time.DateOnly)
		p.StartDate = &startDate
		p.EndDate = &endDate
		p.SelectedBidID = &bid.ID

		_, withdrawal, err := e.deductFunds(ctx, s, p.OwnerID, bid.Amount, bid.Currency, "funding for project "+p.ID)
		if err != nil {
			return err
		}
		p.FundingTransactionID = &withdrawal.ID
		if _, err := e.transferToSiteAccount(ctx, s, e.siteAccountID(), bid.Amount, bid.Currency); err != nil {
			return err
		}
		if err := e.moveProject(ctx, s, &p, domain.ProjectInProgress, actor.ID, false); err != nil {
			return err
		}
		if err := e.Repo.UpdateBidStatus(ctx, s.tx, bid.ID, domain.BidAccepted); err != nil {
			return err
		}
		bid.Status = domain.BidAccepted
		if err := e.appendEvent(ctx, s, events.Record{
			Type:       events.BidAccepted,
			ProjectID:  p.ID,
			EntityKind: "bid",
			EntityID:   bid.ID,
			ActorID:    actor.ID,
			Payload:    events.EventPayload{"freelancer_id": bid.FreelancerID, "amount": bid.Amount.String()},
		}); err != nil {
			return err
		}
		if err := e.activateRoom(ctx, s, p, domain.RoomNegotiation, p.OwnerID, bid.FreelancerID); err != nil {
			return err
		}
		s.notify(notify.TemplateBidAccepted, bid.FreelancerID, map[string]any{
			"project_id":   p.ID,
			"project_name": p.Name,
			"amount":       money(bid.Amount),
			"currency":     bid.Currency,
			"start_date":   startDate,
			"end_date":     endDate,
		})
		return nil
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// RejectBid declines a pending bid. The project is unaffected.
func (e Engine) RejectBid(ctx context.Context, actor auth.Principal, projectID, bidID string) (domain.Bid, error) {
	var bid domain.Bid
	err := e.inTx(ctx, func(s *scope) error {
		p, err := e.Repo.GetProjectTx(ctx, s.tx, projectID)
		if err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
		if err := e.ensureOwner(actor, p); err != nil {
			return err
		}
		bid, err = e.Repo.GetBidTx(ctx, s.tx, bidID)
		if err != nil {
			return fmt.Errorf("bid %s: %w", bidID, err)
		}
		if bid.ProjectID != p.ID {
			return fmt.Errorf("bid %s: %w", bidID, repo.ErrNotFound)
		}
		if bid.Status != domain.BidPending {
			return fmt.Errorf("%w: bid is %s", ErrInvalidState, bid.Status)
		}
		if err := e.Repo.UpdateBidStatus(ctx, s.tx, bid.ID, domain.BidRejected); err != nil {
			return err
		}
		bid.Status = domain.BidRejected
		return e.appendEvent(ctx, s, events.Record{
			Type:       events.BidRejected,
			ProjectID:  p.ID,
			EntityKind: "bid",
			EntityID:   bid.ID,
			ActorID:    actor.ID,
		})
	})
	return bid, err
}

// SendProjectToTesting pays the freelancer out of the site account and keeps
// a share of it in escrow until completion.
func (e Engine) SendProjectToTesting(ctx context.Context, actor auth.Principal, projectID string) (domain.Project, error) {
	var p domain.Project
	err := e.inTx(ctx, func(s *scope) error {
		var err error
		p, err = e.Repo.GetProjectTx(ctx, s.tx, projectID)
		if err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
		if err := e.ensureOwnerOrAdmin(actor, p); err != nil {
			return err
		}
		if p.Status != domain.ProjectInProgress {
			return fmt.Errorf("%w: project is %s", ErrInvalidState, p.Status)
		}
		bid, err := e.selectedBid(ctx, s, p)
		if err != nil {
			return err
		}
		if _, _, err := e.transferToFreelancer(ctx, s, bid.FreelancerID, bid.Amount, bid.Currency); err != nil {
			return err
		}
		escrowed := pct(bid.Amount, escrowPct)
		if _, err := e.holdEscrow(ctx, s, bid.FreelancerID, escrowed, bid.Currency); err != nil {
			return err
		}
		if err := e.moveProject(ctx, s, &p, domain.ProjectTesting, actor.ID, false); err != nil {
			return err
		}
		if err := e.activateRoom(ctx, s, p, domain.RoomExecution, p.OwnerID, bid.FreelancerID); err != nil {
			return err
		}
		s.notify(notify.TemplateProjectTesting, bid.FreelancerID, map[string]any{
			"project_id": p.ID,
			"released":   money(bid.Amount.Sub(escrowed)),
			"escrowed":   money(escrowed),
			"currency":   bid.Currency,
		})
		return nil
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// CompleteProject settles the freelancer. From testing the escrow is released
// minus the platform commission; from in_progress the bid minus commission
// is paid out directly.
func (e Engine) CompleteProject(ctx context.Context, actor auth.Principal, projectID string) (domain.Project, error) {
	var p domain.Project
	err := e.inTx(ctx, func(s *scope) error {
		var err error
		p, err = e.Repo.GetProjectTx(ctx, s.tx, projectID)
		if err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
		if err := e.ensureOwnerOrAdmin(actor, p); err != nil {
			return err
		}
		if err := ensureProjectTransition(p.Status, domain.ProjectCompleted, false); err != nil {
			return err
		}
		bid, err := e.selectedBid(ctx, s, p)
		if err != nil {
			return err
		}
		var net decimal.Decimal
		switch p.Status {
		case domain.ProjectTesting:
			escrowed := pct(bid.Amount, escrowPct)
			if _, err := e.releaseEscrow(ctx, s, bid.FreelancerID, escrowed, bid.Currency); err != nil {
				return err
			}
			fee := pct(escrowed, commissionPct)
			if _, _, err := e.deductFunds(ctx, s, bid.FreelancerID, fee, bid.Currency, "platform commission for project "+p.ID); err != nil {
				return err
			}
			if _, err := e.transferToSiteAccount(ctx, s, e.siteAccountID(), fee, bid.Currency); err != nil {
				return err
			}
			net = escrowed.Sub(fee)
		default:
			net = bid.Amount.Sub(pct(bid.Amount, commissionPct))
			if _, _, err := e.transferToFreelancer(ctx, s, bid.FreelancerID, net, bid.Currency); err != nil {
				return err
			}
		}
		if err := e.moveProject(ctx, s, &p, domain.ProjectCompleted, actor.ID, false); err != nil {
			return err
		}
		if err := e.closeRooms(ctx, s, p.ID); err != nil {
			return err
		}
		data := map[string]any{"project_id": p.ID, "project_name": p.Name, "amount": money(net), "currency": bid.Currency}
		s.notify(notify.TemplateProjectCompleted, bid.FreelancerID, data)
		s.notify(notify.TemplateProjectCompleted, p.OwnerID, data)
		return nil
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// UpdateProjectStatus forces a status without the lifecycle checks and
// without moving funds. Open rooms follow the new status.
func (e Engine) UpdateProjectStatus(ctx context.Context, actor auth.Principal, projectID string, status domain.ProjectStatus) (domain.Project, error) {
	if !status.Valid() {
		return domain.Project{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	var p domain.Project
	err := e.inTx(ctx, func(s *scope) error {
		var err error
		p, err = e.Repo.GetProjectTx(ctx, s.tx, projectID)
		if err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
		if err := e.ensureOwnerOrAdmin(actor, p); err != nil {
			return err
		}
		if err := e.moveProject(ctx, s, &p, status, actor.ID, true); err != nil {
			return err
		}
		return e.syncRooms(ctx, s, p)
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// CancelProject stops a project on behalf of its owner or an admin.
func (e Engine) CancelProject(ctx context.Context, actor auth.Principal, projectID string) (domain.Project, error) {
	return e.stopProject(ctx, actor, projectID, domain.ProjectCancelled)
}

// RejectProject lets an admin turn a project down.
func (e Engine) RejectProject(ctx context.Context, actor auth.Principal, projectID string) (domain.Project, error) {
	if err := e.require(actor, auth.PermStatusOverride); err != nil {
		return domain.Project{}, err
	}
	return e.stopProject(ctx, actor, projectID, domain.ProjectRejected)
}

func (e Engine) stopProject(ctx context.Context, actor auth.Principal, projectID string, to domain.ProjectStatus) (domain.Project, error) {
	var p domain.Project
	err := e.inTx(ctx, func(s *scope) error {
		var err error
		p, err = e.Repo.GetProjectTx(ctx, s.tx, projectID)
		if err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
		if err := e.ensureOwnerOrAdmin(actor, p); err != nil {
			return err
		}
		from := p.Status
		if err := e.moveProject(ctx, s, &p, to, actor.ID, false); err != nil {
			return err
		}
		if from == domain.ProjectInProgress {
			bid, err := e.selectedBid(ctx, s, p)
			if err != nil {
				return err
			}
			if _, err := e.returnFunding(ctx, s, p.OwnerID, bid.Amount, bid.Currency, p.FundingTransactionID); err != nil {
				return err
			}
			s.notify(notify.TemplateProjectCancelled, bid.FreelancerID, map[string]any{"project_id": p.ID, "status": string(to)})
		}
		s.notify(notify.TemplateProjectCancelled, p.OwnerID, map[string]any{"project_id": p.ID, "status": string(to)})
		return e.closeRooms(ctx, s, p.ID)
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}
