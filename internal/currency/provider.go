package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const tableKey = "rates"

// Provider fetches rate tables from an exchange-rate HTTP API and caches them.
// Lookups fall back to Fallback when the API is unreachable.
type Provider struct {
	URL      string
	Base     string
	Client   *http.Client
	Fallback Table
	Logger   logrus.FieldLogger

	cache   *cache.Cache
	limiter *rate.Limiter
}

type ProviderOptions struct {
	URL               string
	Base              string
	CacheTTL          time.Duration
	RequestsPerSecond float64
	Fallback          Table
	Client            *http.Client
	Logger            logrus.FieldLogger
}

func NewProvider(opts ProviderOptions) *Provider {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 1
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Provider{
		URL:      opts.URL,
		Base:     strings.ToUpper(opts.Base),
		Client:   opts.Client,
		Fallback: opts.Fallback,
		Logger:   opts.Logger,
		cache:    cache.New(opts.CacheTTL, opts.CacheTTL/2),
		limiter:  rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
	}
}

type ratesResponse struct {
	Base  string             `json:"base"`
	Rates map[string]float64 `json:"rates"`
}

// Refresh fetches the table and replaces the cached copy.
func (p *Provider) Refresh(ctx context.Context) (Table, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return Table{}, fmt.Errorf("rate limiter: %w", err)
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return Table{}, err
	}
	q := u.Query()
	q.Set("base", p.Base)
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Table{}, err
	}
	res, err := p.Client.Do(req)
	if err != nil {
		return Table{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return Table{}, fmt.Errorf("rates api status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload ratesResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return Table{}, fmt.Errorf("decode rates: %w", err)
	}
	t := Table{Base: p.Base, Rates: make(map[string]decimal.Decimal, len(payload.Rates))}
	if payload.Base != "" {
		t.Base = strings.ToUpper(payload.Base)
	}
	for code, r := range payload.Rates {
		t.Rates[strings.ToUpper(code)] = decimal.NewFromFloat(r)
	}
	p.cache.SetDefault(tableKey, t)
	return t, nil
}

func (p *Provider) table(ctx context.Context) Table {
	if v, ok := p.cache.Get(tableKey); ok {
		return v.(Table)
	}
	if p.URL == "" {
		return p.Fallback
	}
	t, err := p.Refresh(ctx)
	if err != nil {
		p.Logger.WithError(err).Warn("exchange rates unavailable, using configured table")
		return p.Fallback
	}
	return t
}

func (p *Provider) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if strings.EqualFold(from, to) {
		return amount, nil
	}
	return p.table(ctx).Convert(ctx, amount, from, to)
}

// StartRefresh schedules Refresh on a cron spec such as "@every 1h".
// The caller stops the returned scheduler.
func (p *Provider) StartRefresh(spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := p.Refresh(ctx); err != nil {
			p.Logger.WithError(err).Warn("exchange rate refresh failed")
			return
		}
		p.Logger.Debug("exchange rates refreshed")
	})
	if err != nil {
		return nil, fmt.Errorf("schedule rate refresh: %w", err)
	}
	c.Start()
	return c, nil
}
