package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Audit event types.
const (
	WalletCreated       = "wallet.created"
	WalletDeposit       = "wallet.deposit"
	WalletWithdrawal    = "wallet.withdrawal"
	WalletSiteCredit    = "wallet.site_credit"
	WalletEscrowHeld    = "wallet.escrow.held"
	WalletEscrowRelease = "wallet.escrow.released"
	WalletRefund        = "wallet.refund"
	WalletPayout        = "wallet.payout"

	ProjectCreated       = "project.created"
	ProjectStatusChanged = "project.status"
	ProjectStageAdvanced = "project.stage"
	BidCreated           = "bid.created"
	BidAccepted          = "bid.accepted"
	BidRejected          = "bid.rejected"
	ContractDrafted      = "contract.drafted"
	ContractSigned       = "contract.signed"
	RatingCreated        = "rating.created"

	RoomOpened     = "chat.room.opened"
	RoomStatus     = "chat.room.status"
	MessageCreated = "chat.message.created"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Record is one audit row, written in the caller's transaction.
type Record struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if rec.Payload == nil {
		rec.Payload = EventPayload{}
	}
	if rec.ActorID == "" {
		rec.ActorID = "system"
	}
	data, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), rec.Type, nullable(rec.ProjectID), rec.EntityKind, nullable(rec.EntityID), rec.ActorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", rec.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
