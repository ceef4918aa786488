package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"gigmarket/internal/config"
	"gigmarket/internal/currency"
	"gigmarket/internal/domain"
	"gigmarket/internal/engine/auth"
	"gigmarket/internal/events"
	"gigmarket/internal/notify"
	"gigmarket/internal/repo"
)

// SubscriptionLookup resolves the subscription active for a user on a day.
// It returns repo.ErrNotFound when there is none.
type SubscriptionLookup interface {
	ActiveSubscription(ctx context.Context, userID, day string) (domain.Subscription, error)
}

type Engine struct {
	DB            *sql.DB
	Repo          repo.Repo
	Events        events.Writer
	Config        *config.Config
	Now           func() time.Time
	Notifier      notify.Dispatcher
	Converter     currency.Converter
	Subscriptions SubscriptionLookup
	Policy        auth.Policy
	Log           logrus.FieldLogger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	log := logrus.StandardLogger()
	var conv currency.Converter
	if table, err := currency.StaticFromConfig(cfg.Currency); err == nil {
		conv = table
	} else {
		conv = currency.Table{Base: cfg.Marketplace.DefaultCurrency}
	}
	return Engine{
		DB:            db,
		Repo:          r,
		Config:        cfg,
		Now:           time.Now,
		Notifier:      notify.Log{Logger: log},
		Converter:     conv,
		Subscriptions: r,
		Policy:        auth.NewPolicy(cfg),
		Log:           log,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// today is the calendar day in the quota time zone.
func (e Engine) today() string {
	return e.now().In(e.Config.Location()).Format(time.DateOnly)
}

func (e Engine) logger() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

// scope carries one database transaction and the notifications it produced.
type scope struct {
	tx    *sql.Tx
	notes []notify.Notification
}

func (s *scope) notify(template, recipient string, data map[string]any) {
	s.notes = append(s.notes, notify.Notification{
		Template:  template,
		Recipient: recipient,
		Data:      data,
		Channels:  []string{notify.ChannelEmail, notify.ChannelInApp},
	})
}

// inTx runs fn in one transaction. Notifications queued by fn are sent only
// after a successful commit.
func (e Engine) inTx(ctx context.Context, fn func(s *scope) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	s := &scope{tx: tx}
	if err := fn(s); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.dispatch(ctx, s.notes)
	return nil
}

func (e Engine) dispatch(ctx context.Context, notes []notify.Notification) {
	if e.Notifier == nil {
		return
	}
	for _, n := range notes {
		if err := e.Notifier.Send(context.WithoutCancel(ctx), n); err != nil {
			e.logger().WithFields(logrus.Fields{
				"template":  n.Template,
				"recipient": n.Recipient,
			}).WithError(err).Warn("notification dispatch failed")
		}
	}
}

func (e Engine) appendEvent(ctx context.Context, s *scope, rec events.Record) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, s.tx, rec)
}

func (e Engine) siteAccountID() string {
	return e.Config.Marketplace.SiteAccountID
}

func (e Engine) require(p auth.Principal, perm string) error {
	if p.ID == "" {
		return fmt.Errorf("%w: principal required", ErrInvalidInput)
	}
	return e.Policy.Require(p, perm)
}

func (e Engine) convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if from == "" || from == to {
		return amount, nil
	}
	conv := e.Converter
	if conv == nil {
		conv = currency.Table{Base: to}
	}
	out, err := conv.Convert(ctx, amount, from, to)
	if err != nil {
		if errors.Is(err, currency.ErrUnsupportedCurrency) {
			return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return decimal.Zero, err
	}
	return out, nil
}

func positive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	return nil
}

// pct returns amount * n / 100.
func pct(amount decimal.Decimal, n int64) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(n)).Div(decimal.NewFromInt(100))
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}
