package server

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"gigmarket/internal/domain"
)

// Amounts cross the API as decimal strings.

type WalletRequest struct {
	Currency string `json:"currency,omitempty" example:"SPY"`
}

type CreateWalletRequest struct {
	UserID   string `json:"user_id,omitempty" doc:"Defaults to the caller"`
	Currency string `json:"currency,omitempty" example:"SPY"`
}

type AmountRequest struct {
	Amount   string `json:"amount" example:"100.00"`
	Currency string `json:"currency,omitempty" example:"SPY"`
}

type WalletResponse struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	OwnerKind string `json:"owner_kind" enum:"user,platform"`
	Balance   string `json:"balance"`
	Available string `json:"available_balance"`
	Pending   string `json:"pending_balance"`
	Escrow    string `json:"escrow"`
	Currency  string `json:"currency"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type TransactionResponse struct {
	ID          string  `json:"id"`
	WalletID    string  `json:"wallet_id"`
	PrincipalID string  `json:"principal_id"`
	Type        string  `json:"type" enum:"DEPOSIT,WITHDRAWAL,REFUND"`
	Amount      string  `json:"amount"`
	Currency    string  `json:"currency"`
	Status      string  `json:"status"`
	ReferenceID *string `json:"reference_id,omitempty"`
	Description string  `json:"description,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type CreateProjectRequest struct {
	Name         string   `json:"name" minLength:"1"`
	Description  string   `json:"description,omitempty"`
	Budget       string   `json:"budget" example:"1500"`
	DurationDays int      `json:"duration_days" minimum:"1"`
	Skills       []string `json:"skills,omitempty"`
	Category     string   `json:"category,omitempty"`
}

type SetProjectStatusRequest struct {
	Status string `json:"status" enum:"pending,in_progress,testing,completed,rejected,cancelled"`
}

type ProjectResponse struct {
	ID                   string   `json:"id"`
	OwnerID              string   `json:"owner_id"`
	Name                 string   `json:"name"`
	Description          string   `json:"description,omitempty"`
	Budget               string   `json:"budget"`
	DurationDays         int      `json:"duration_days"`
	Skills               []string `json:"skills"`
	Category             string   `json:"category,omitempty"`
	Status               string   `json:"status"`
	SelectedBidID        *string  `json:"selected_bid_id,omitempty"`
	FundingTransactionID *string  `json:"funding_transaction_id,omitempty"`
	StartDate            *string  `json:"start_date,omitempty" format:"date"`
	EndDate              *string  `json:"end_date,omitempty" format:"date"`
	CreatedAt            string   `json:"created_at" format:"date-time"`
	UpdatedAt            string   `json:"updated_at" format:"date-time"`
}

type CreateBidRequest struct {
	ProjectID    string `json:"project_id"`
	Amount       string `json:"amount" example:"1000"`
	Currency     string `json:"currency,omitempty"`
	DeliveryDays int    `json:"delivery_days" minimum:"1"`
	Description  string `json:"description,omitempty"`
}

type BidResponse struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	FreelancerID string `json:"freelancer_id"`
	OwnerID      string `json:"owner_id"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	DeliveryDays int    `json:"delivery_days"`
	Description  string `json:"description,omitempty"`
	Status       string `json:"status" enum:"pending,accepted,rejected"`
	SubmittedAt  string `json:"submitted_at" format:"date-time"`
}

type QuotaResponse struct {
	UserID        string `json:"user_id"`
	MaxBidsPerDay int    `json:"max_bids_per_day"`
	Remaining     int    `json:"remaining"`
}

type StageResponse struct {
	ProjectID string `json:"project_id"`
	Stage     string `json:"stage" enum:"introduction,negotiation,contract,execution"`
}

type CreateUserRequest struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty" format:"email"`
}

type SubscriptionRequest struct {
	PackageName   string `json:"package_name"`
	MaxBidsPerDay *int   `json:"max_bids_per_day,omitempty"`
	Status        string `json:"status,omitempty" enum:"active,expired,cancelled"`
	StartDate     string `json:"start_date" format:"date"`
	EndDate       string `json:"end_date" format:"date"`
}

type CreateRatingRequest struct {
	RatedID string              `json:"rated_id,omitempty"`
	Scores  domain.RatingScores `json:"scores"`
	Comment string              `json:"comment,omitempty"`
}

type RatingResponse struct {
	ID        string              `json:"id"`
	ProjectID string              `json:"project_id"`
	RaterID   string              `json:"rater_id"`
	RatedID   string              `json:"rated_id"`
	RaterRole string              `json:"rater_role"`
	Scores    domain.RatingScores `json:"scores"`
	Weighted  string              `json:"weighted"`
	Comment   string              `json:"comment,omitempty"`
	CreatedAt string              `json:"created_at" format:"date-time"`
}

type UserRatingsResponse struct {
	UserID  string           `json:"user_id"`
	Average string           `json:"average"`
	Count   int              `json:"count"`
	Items   []RatingResponse `json:"items"`
}

type ChatHistoryResponse struct {
	ProjectID string           `json:"project_id"`
	RoomType  string           `json:"room_type"`
	Messages  []domain.Message `json:"messages"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	UserID      string   `json:"user_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginRequest struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func amountString(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func walletResponse(w domain.Wallet) WalletResponse {
	return WalletResponse{
		ID:        w.ID,
		OwnerID:   w.OwnerID,
		OwnerKind: string(w.OwnerKind),
		Balance:   amountString(w.Balance),
		Available: amountString(w.Available),
		Pending:   amountString(w.Pending),
		Escrow:    amountString(w.Escrow),
		Currency:  w.Currency,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
}

func transactionResponse(t domain.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:          t.ID,
		WalletID:    t.WalletID,
		PrincipalID: t.PrincipalID,
		Type:        string(t.Type),
		Amount:      amountString(t.Amount),
		Currency:    t.Currency,
		Status:      string(t.Status),
		ReferenceID: t.ReferenceID,
		Description: t.Description,
		CreatedAt:   t.CreatedAt,
	}
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:                   p.ID,
		OwnerID:              p.OwnerID,
		Name:                 p.Name,
		Description:          p.Description,
		Budget:               amountString(p.Budget),
		DurationDays:         p.DurationDays,
		Skills:               nonNilSlice(p.Skills),
		Category:             p.Category,
		Status:               string(p.Status),
		SelectedBidID:        p.SelectedBidID,
		FundingTransactionID: p.FundingTransactionID,
		StartDate:            p.StartDate,
		EndDate:              p.EndDate,
		CreatedAt:            p.CreatedAt,
		UpdatedAt:            p.UpdatedAt,
	}
}

func bidResponse(b domain.Bid) BidResponse {
	return BidResponse{
		ID:           b.ID,
		ProjectID:    b.ProjectID,
		FreelancerID: b.FreelancerID,
		OwnerID:      b.OwnerID,
		Amount:       amountString(b.Amount),
		Currency:     b.Currency,
		DeliveryDays: b.DeliveryDays,
		Description:  b.Description,
		Status:       string(b.Status),
		SubmittedAt:  b.SubmittedAt,
	}
}

func ratingResponse(r domain.Rating) RatingResponse {
	return RatingResponse{
		ID:        r.ID,
		ProjectID: r.ProjectID,
		RaterID:   r.RaterID,
		RatedID:   r.RatedID,
		RaterRole: r.RaterRole,
		Scores:    r.Scores,
		Weighted:  r.Weighted.StringFixed(2),
		Comment:   r.Comment,
		CreatedAt: r.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func mapSlice[T, R any](in []T, fn func(T) R) []R {
	out := make([]R, 0, len(in))
	for _, v := range in {
		out = append(out, fn(v))
	}
	return out
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
