package engine

import (
	"fmt"

	"gigmarket/internal/domain"
)

// Transition is one allowed project status change.
type Transition struct {
	From domain.ProjectStatus
	To   domain.ProjectStatus
}

// Transitions is the project lifecycle. Forced status updates bypass it.
var Transitions = []Transition{
	{domain.ProjectPending, domain.ProjectInProgress},
	{domain.ProjectPending, domain.ProjectRejected},
	{domain.ProjectPending, domain.ProjectCancelled},
	{domain.ProjectInProgress, domain.ProjectTesting},
	{domain.ProjectInProgress, domain.ProjectCompleted},
	{domain.ProjectInProgress, domain.ProjectRejected},
	{domain.ProjectInProgress, domain.ProjectCancelled},
	{domain.ProjectTesting, domain.ProjectCompleted},
}

// AvailableTransitions lists the statuses reachable from status.
func AvailableTransitions(status domain.ProjectStatus) []domain.ProjectStatus {
	var res []domain.ProjectStatus
	for _, t := range Transitions {
		if t.From == status {
			res = append(res, t.To)
		}
	}
	return res
}

func ensureProjectTransition(from, to domain.ProjectStatus, force bool) error {
	if force {
		return nil
	}
	for _, t := range Transitions {
		if t.From == from && t.To == to {
			return nil
		}
	}
	return fmt.Errorf("%w: project status %s -> %s", ErrInvalidState, from, to)
}

// ChatStage derives the active chat room type from the project status and
// its contract. contract is nil when none was drafted yet.
func ChatStage(p domain.Project, contract *domain.Contract) domain.RoomType {
	switch p.Status {
	case domain.ProjectPending:
		return domain.RoomIntroduction
	case domain.ProjectInProgress:
		switch {
		case contract == nil:
			return domain.RoomNegotiation
		case !contract.Signed:
			return domain.RoomContract
		default:
			return domain.RoomExecution
		}
	case domain.ProjectTesting, domain.ProjectCompleted:
		return domain.RoomExecution
	}
	// rejected and cancelled projects keep the stage they stopped in.
	if p.SelectedBidID == nil {
		return domain.RoomIntroduction
	}
	if contract == nil {
		return domain.RoomNegotiation
	}
	if !contract.Signed {
		return domain.RoomContract
	}
	return domain.RoomExecution
}

func nextRoom(t domain.RoomType) (domain.RoomType, bool) {
	for i, rt := range domain.RoomTypes {
		if rt == t && i+1 < len(domain.RoomTypes) {
			return domain.RoomTypes[i+1], true
		}
	}
	return "", false
}
