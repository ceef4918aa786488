package domain

import "github.com/shopspring/decimal"

type ProjectStatus string

const (
	ProjectPending    ProjectStatus = "pending"
	ProjectInProgress ProjectStatus = "in_progress"
	ProjectTesting    ProjectStatus = "testing"
	ProjectCompleted  ProjectStatus = "completed"
	ProjectRejected   ProjectStatus = "rejected"
	ProjectCancelled  ProjectStatus = "cancelled"
)

// ProjectStatuses lists every valid project status.
var ProjectStatuses = []ProjectStatus{
	ProjectPending, ProjectInProgress, ProjectTesting, ProjectCompleted, ProjectRejected, ProjectCancelled,
}

func (s ProjectStatus) Valid() bool {
	for _, v := range ProjectStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions leave s.
func (s ProjectStatus) Terminal() bool {
	return s == ProjectCompleted || s == ProjectRejected || s == ProjectCancelled
}

type BidStatus string

const (
	BidPending  BidStatus = "pending"
	BidAccepted BidStatus = "accepted"
	BidRejected BidStatus = "rejected"
)

type OwnerKind string

const (
	OwnerUser     OwnerKind = "user"
	OwnerPlatform OwnerKind = "platform"
)

type TransactionType string

const (
	TxDeposit    TransactionType = "DEPOSIT"
	TxWithdrawal TransactionType = "WITHDRAWAL"
	TxRefund     TransactionType = "REFUND"
)

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

type RoomType string

const (
	RoomIntroduction RoomType = "introduction"
	RoomNegotiation  RoomType = "negotiation"
	RoomContract     RoomType = "contract"
	RoomExecution    RoomType = "execution"
)

// RoomTypes is ordered by stage.
var RoomTypes = []RoomType{RoomIntroduction, RoomNegotiation, RoomContract, RoomExecution}

func (t RoomType) Valid() bool {
	for _, v := range RoomTypes {
		if v == t {
			return true
		}
	}
	return false
}

type RoomStatus string

const (
	RoomActive RoomStatus = "active"
	RoomClosed RoomStatus = "closed"
	RoomLocked RoomStatus = "locked"
)

type MessageKind string

const (
	MessageText     MessageKind = "text"
	MessageOffer    MessageKind = "offer"
	MessageContract MessageKind = "contract"
	MessagePayment  MessageKind = "payment"
	MessageFile     MessageKind = "file"
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageText, MessageOffer, MessageContract, MessagePayment, MessageFile:
		return true
	}
	return false
}

type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Subscription struct {
	ID            string `json:"id"`
	UserID        string `json:"user_id"`
	PackageName   string `json:"package_name"`
	MaxBidsPerDay *int   `json:"max_bids_per_day,omitempty"`
	Status        string `json:"status" enum:"active,expired,cancelled"`
	StartDate     string `json:"start_date" format:"date"`
	EndDate       string `json:"end_date" format:"date"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

// ActiveOn reports whether the subscription covers day (YYYY-MM-DD).
func (s Subscription) ActiveOn(day string) bool {
	return s.Status == "active" && s.StartDate <= day && day <= s.EndDate
}

type Project struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"owner_id"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Budget        decimal.Decimal `json:"budget"`
	DurationDays  int             `json:"duration_days"`
	Skills        []string        `json:"skills,omitempty"`
	Category      string          `json:"category,omitempty"`
	Status        ProjectStatus   `json:"status"`
	SelectedBidID *string         `json:"selected_bid_id,omitempty"`

	// FundingTransactionID is the owner's withdrawal made when the bid was accepted.
	FundingTransactionID *string `json:"funding_transaction_id,omitempty"`
	StartDate            *string `json:"start_date,omitempty"`
	EndDate              *string `json:"end_date,omitempty"`
	CreatedAt            string  `json:"created_at"`
	UpdatedAt            string  `json:"updated_at"`
}

type Bid struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	FreelancerID string          `json:"freelancer_id"`
	OwnerID      string          `json:"owner_id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	DeliveryDays int             `json:"delivery_days"`
	Description  string          `json:"description,omitempty"`
	Status       BidStatus       `json:"status"`
	SubmittedAt  string          `json:"submitted_at"`
}

type BidQuota struct {
	UserID    string `json:"user_id"`
	Remaining int    `json:"remaining"`
	ResetOn   string `json:"reset_on"`
}

type Wallet struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	OwnerKind OwnerKind       `json:"owner_kind"`
	Balance   decimal.Decimal `json:"balance"`
	Available decimal.Decimal `json:"available_balance"`
	Pending   decimal.Decimal `json:"pending_balance"`
	Escrow    decimal.Decimal `json:"escrow"`
	Currency  string          `json:"currency"`
	Version   int64           `json:"version"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

// Consistent reports whether the balance invariants hold.
func (w Wallet) Consistent() bool {
	return w.Balance.Equal(w.Available.Add(w.Pending)) &&
		!w.Balance.IsNegative() && !w.Available.IsNegative() &&
		!w.Pending.IsNegative() && !w.Escrow.IsNegative()
}

type Transaction struct {
	ID          string            `json:"id"`
	WalletID    string            `json:"wallet_id"`
	PrincipalID string            `json:"principal_id"`
	Type        TransactionType   `json:"type"`
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	Status      TransactionStatus `json:"status"`
	ReferenceID *string           `json:"reference_id,omitempty"`
	Description string            `json:"description,omitempty"`
	CreatedAt   string            `json:"created_at"`
}

type ChatRoom struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	Type         RoomType   `json:"type"`
	Status       RoomStatus `json:"status"`
	AllowedUsers []string   `json:"allowed_users"`
	CreatedAt    string     `json:"created_at"`
	ClosedAt     *string    `json:"closed_at,omitempty"`
}

type Reaction struct {
	UserID    string `json:"user_id"`
	Reaction  string `json:"reaction"`
	CreatedAt string `json:"created_at"`
}

type Message struct {
	ID            string        `json:"id"`
	RoomID        string        `json:"room_id"`
	ProjectID     string        `json:"project_id"`
	SenderID      string        `json:"sender_id"`
	ReceiverID    *string       `json:"receiver_id,omitempty"`
	Content       string        `json:"content"`
	Kind          MessageKind   `json:"kind"`
	AttachmentURL *string       `json:"attachment_url,omitempty"`
	FileType      *string       `json:"file_type,omitempty"`
	Status        MessageStatus `json:"status"`
	System        bool          `json:"system"`
	Reactions     []Reaction    `json:"reactions,omitempty"`
	CreatedAt     string        `json:"created_at"`
	UpdatedAt     string        `json:"updated_at"`
}

type Contract struct {
	ProjectID          string  `json:"project_id"`
	Content            string  `json:"content"`
	OwnerSignedAt      *string `json:"owner_signed_at,omitempty"`
	FreelancerSignedAt *string `json:"freelancer_signed_at,omitempty"`
	Signed             bool    `json:"signed"`
	CreatedAt          string  `json:"created_at"`
}

type RatingScores struct {
	Professionalism int `json:"professionalism" minimum:"1" maximum:"5"`
	Communication   int `json:"communication" minimum:"1" maximum:"5"`
	Quality         int `json:"quality" minimum:"1" maximum:"5"`
	Expertise       int `json:"expertise" minimum:"1" maximum:"5"`
	Timeliness      int `json:"timeliness" minimum:"1" maximum:"5"`
	Repeat          int `json:"repeat" minimum:"1" maximum:"5"`
}

type Rating struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	RaterID   string          `json:"rater_id"`
	RatedID   string          `json:"rated_id"`
	RaterRole string          `json:"rater_role"`
	Scores    RatingScores    `json:"scores"`
	Weighted  decimal.Decimal `json:"weighted"`
	Comment   string          `json:"comment,omitempty"`
	CreatedAt string          `json:"created_at"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}
