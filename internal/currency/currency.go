// Package currency converts amounts between wallet currencies.
package currency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"gigmarket/internal/config"
)

var ErrUnsupportedCurrency = errors.New("unsupported currency")

// Places is the precision kept after a cross-currency conversion.
const Places = 8

type Converter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

// Table holds rates expressed as units of each currency per one unit of Base.
type Table struct {
	Base  string
	Rates map[string]decimal.Decimal
}

func (t Table) rate(code string) (decimal.Decimal, bool) {
	if strings.EqualFold(code, t.Base) {
		return decimal.NewFromInt(1), true
	}
	r, ok := t.Rates[strings.ToUpper(code)]
	return r, ok && r.IsPositive()
}

// Convert returns amount expressed in to. Same-currency conversion is exact.
func (t Table) Convert(_ context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if strings.EqualFold(from, to) {
		return amount, nil
	}
	fromRate, ok := t.rate(from)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, from)
	}
	toRate, ok := t.rate(to)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, to)
	}
	return amount.Div(fromRate).Mul(toRate).Round(Places), nil
}

// StaticFromConfig builds a Table from the configured rates.
func StaticFromConfig(cfg config.CurrencyConfig) (Table, error) {
	t := Table{Base: strings.ToUpper(cfg.Base), Rates: map[string]decimal.Decimal{}}
	for code, raw := range cfg.Rates {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return Table{}, fmt.Errorf("rate %s: %w", code, err)
		}
		t.Rates[strings.ToUpper(code)] = d
	}
	return t, nil
}
