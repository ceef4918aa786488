// Package notify delivers user-facing notifications produced by engine
// operations. Delivery happens after the producing transaction commits and
// never fails the operation.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Template names.
const (
	TemplateWalletCreated           = "wallet_created"
	TemplateFundsAdded              = "funds-added"
	TemplateFundsDeducted           = "funds-deducted"
	TemplateTransferredToFreelancer = "funds-transferred-to-freelancer"
	TemplateTransferredToSite       = "funds-transferred-to-site"
	TemplateRefundProcessed         = "refund-processed"
	TemplateBidAccepted             = "bid-accepted-freelancer"
	TemplateProjectTesting          = "project-testing-payment"
	TemplateProjectCompleted        = "project-completed"
	TemplateProjectCancelled        = "project-cancelled"
	TemplateContractSigned          = "contract-signed"
)

const (
	ChannelEmail    = "email"
	ChannelInApp    = "in_app"
	ChannelRealtime = "realtime"
)

type Notification struct {
	Template  string         `json:"template"`
	Recipient string         `json:"recipient"`
	Data      map[string]any `json:"data,omitempty"`
	Channels  []string       `json:"channels,omitempty"`
}

type Dispatcher interface {
	Send(ctx context.Context, n Notification) error
}

// Log writes notifications to a logger. It is the default dispatcher.
type Log struct {
	Logger logrus.FieldLogger
}

func (d Log) Send(_ context.Context, n Notification) error {
	logger := d.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(logrus.Fields{
		"template":  n.Template,
		"recipient": n.Recipient,
		"channels":  n.Channels,
	}).Info("notification")
	return nil
}

// Redis publishes each notification as JSON on <Prefix>notifications:<recipient>.
type Redis struct {
	Client *redis.Client
	Prefix string
}

func (d Redis) Channel(recipient string) string {
	return d.Prefix + "notifications:" + recipient
}

func (d Redis) Send(ctx context.Context, n Notification) error {
	if d.Client == nil {
		return errors.New("redis client not configured")
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return d.Client.Publish(ctx, d.Channel(n.Recipient), data).Err()
}

// Multi fans out to every dispatcher and joins their errors.
type Multi []Dispatcher

func (m Multi) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, d := range m {
		if err := d.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory records notifications. Safe for concurrent use.
type Memory struct {
	mu   sync.Mutex
	sent []Notification
	Err  error
}

func (m *Memory) Send(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return m.Err
}

func (m *Memory) Sent() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.sent...)
}

// ByTemplate returns the recorded notifications with the given template.
func (m *Memory) ByTemplate(template string) []Notification {
	var res []Notification
	for _, n := range m.Sent() {
		if n.Template == template {
			res = append(res, n)
		}
	}
	return res
}
