package engine

import (
	"context"
	"errors"
	"fmt"

	"gigmarket/internal/domain"
	"gigmarket/internal/engine/auth"
	"gigmarket/internal/events"
	"gigmarket/internal/notify"
	"gigmarket/internal/repo"
)

func (e Engine) contractTx(ctx context.Context, s *scope, projectID string) (*domain.Contract, error) {
	c, err := e.Repo.GetContractTx(ctx, s.tx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// stageTx is the project's current chat stage as seen inside s.
func (e Engine) stageTx(ctx context.Context, s *scope, p domain.Project) (domain.RoomType, error) {
	contract, err := e.contractTx(ctx, s, p.ID)
	if err != nil {
		return "", err
	}
	return ChatStage(p, contract), nil
}

func draftContract(p domain.Project, bid domain.Bid) string {
	end := ""
	if p.EndDate != nil {
		end = *p.EndDate
	}
	return fmt.Sprintf("Project %q (%s)\nOwner: %s\nFreelancer: %s\nAmount: %s %s\nDelivery: %d days, due %s\n\n%s",
		p.Name, p.ID, p.OwnerID, bid.FreelancerID, money(bid.Amount), bid.Currency, bid.DeliveryDays, end, p.Description)
}

// AdvanceStage moves an in-progress project to its next chat stage. Leaving
// negotiation drafts the contract. The execution stage opens through
// SignContract once both parties have signed.
func (e Engine) AdvanceStage(ctx context.Context, actor auth.Principal, projectID string) (domain.RoomType, error) {
	var next domain.RoomType
	err := e.inTx(ctx, func(s *scope) error {
		p, err := e.Repo.GetProjectTx(ctx, s.tx, projectID)
		if err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
		if err := e.ensureOwner(actor, p); err != nil {
			return err
		}
		if p.Status != domain.ProjectInProgress {
			return fmt.Errorf("%w: project is %s", ErrInvalidState, p.Status)
		}
		contract, err := e.contractTx(ctx, s, p.ID)
		if err != nil {
			return err
		}
		current := ChatStage(p, contract)
		var ok bool
		next, ok = nextRoom(current)
		if !ok {
			return fmt.Errorf("%w: no stage follows %s", ErrInvalidState, current)
		}
		bid, err := e.selectedBid(ctx, s, p)
		if err != nil {
			return err
		}
		switch next {
		case domain.RoomContract:
			c := domain.Contract{
				ProjectID: p.ID,
				Content:   draftContract(p, bid),
				CreatedAt: e.stamp(),
			}
			if err := e.Repo.InsertContract(ctx, s.tx, c); err != nil {
				if repo.IsUniqueViolation(err) {
					return ErrAlreadyExists
				}
				return fmt.Errorf("insert contract: %w", err)
			}
			if err := e.appendEvent(ctx, s, events.Record{
				Type:       events.ContractDrafted,
				ProjectID:  p.ID,
				EntityKind: "contract",
				EntityID:   p.ID,
				ActorID:    actor.ID,
			}); err != nil {
				return err
			}
		case domain.RoomExecution:
			if contract == nil || !contract.Signed {
				return fmt.Errorf("%w: contract is not signed by both parties", ErrInvalidState)
			}
		}
		if err := e.activateRoom(ctx, s, p, next, p.OwnerID, bid.FreelancerID); err != nil {
			return err
		}
		return e.appendEvent(ctx, s, events.Record{
			Type:       events.ProjectStageAdvanced,
			ProjectID:  p.ID,
			EntityKind: "project",
			EntityID:   p.ID,
			ActorID:    actor.ID,
			Payload:    events.EventPayload{"from": string(current), "to": string(next)},
		})
	})
	if err != nil {
		return "", err
	}
	return next, nil
}

// SignContract records the caller's signature. The contract is signed once
// both the owner and the hired freelancer have signed, which moves the
// project's chat into the execution room.
func (e Engine) SignContract(ctx context.Context, actor auth.Principal, projectID string) (domain.Contract, error) {
	var c domain.Contract
	err := e.inTx(ctx, func(s *scope) error {
		p, err := e.Repo.GetProjectTx(ctx, s.tx, projectID)
		if err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
		if p.Status != domain.ProjectInProgress {
			return fmt.Errorf("%w: project is %s", ErrInvalidState, p.Status)
		}
		bid, err := e.selectedBid(ctx, s, p)
		if err != nil {
			return err
		}
		c, err = e.Repo.GetContractTx(ctx, s.tx, p.ID)
		if err != nil {
			return fmt.Errorf("contract %s: %w", p.ID, err)
		}
		now := e.stamp()
		var counterpart string
		switch actor.ID {
		case p.OwnerID:
			if c.OwnerSignedAt != nil {
				return ErrAlreadyExists
			}
			c.OwnerSignedAt = &now
			counterpart = bid.FreelancerID
		case bid.FreelancerID:
			if c.FreelancerSignedAt != nil {
				return ErrAlreadyExists
			}
			c.FreelancerSignedAt = &now
			counterpart = p.OwnerID
		default:
			return auth.ForbiddenError{Permission: "contract.sign"}
		}
		c.Signed = c.OwnerSignedAt != nil && c.FreelancerSignedAt != nil
		if err := e.Repo.UpdateContractSignatures(ctx, s.tx, c); err != nil {
			return err
		}
		if c.Signed {
			if err := e.activateRoom(ctx, s, p, domain.RoomExecution, p.OwnerID, bid.FreelancerID); err != nil {
				return err
			}
			if err := e.appendEvent(ctx, s, events.Record{
				Type:       events.ProjectStageAdvanced,
				ProjectID:  p.ID,
				EntityKind: "project",
				EntityID:   p.ID,
				ActorID:    actor.ID,
				Payload:    events.EventPayload{"from": string(domain.RoomContract), "to": string(domain.RoomExecution)},
			}); err != nil {
				return err
			}
		}
		s.notify(notify.TemplateContractSigned, counterpart, map[string]any{
			"project_id":   p.ID,
			"project_name": p.Name,
			"signed_by":    actor.ID,
			"complete":     c.Signed,
		})
		return e.appendEvent(ctx, s, events.Record{
			Type:       events.ContractSigned,
			ProjectID:  p.ID,
			EntityKind: "contract",
			EntityID:   p.ID,
			ActorID:    actor.ID,
			Payload:    events.EventPayload{"signed": c.Signed},
		})
	})
	if err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

// GetContract returns the project's contract to its two parties or an admin.
func (e Engine) GetContract(ctx context.Context, actor auth.Principal, projectID string) (domain.Contract, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Contract{}, fmt.Errorf("project %s: %w", projectID, err)
	}
	if actor.ID != p.OwnerID && !e.Policy.Can(actor, auth.PermStatusOverride) {
		ok, err := e.isSelectedFreelancer(ctx, p, actor.ID)
		if err != nil {
			return domain.Contract{}, err
		}
		if !ok {
			return domain.Contract{}, auth.ForbiddenError{Permission: "contract.read"}
		}
	}
	return e.Repo.GetContract(ctx, projectID)
}
