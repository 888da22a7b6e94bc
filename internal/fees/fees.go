// Package fees computes the platform fee frozen onto a transaction at
// creation time.
package fees

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mbd888/escrowd/internal/usdc"
	"github.com/shopspring/decimal"
)

// Mode selects how the fee is computed.
type Mode string

const (
	ModeNone    Mode = "none"
	ModePercent Mode = "percent"
	ModeFlat    Mode = "flat"
)

// Side selects who bears the fee.
type Side string

const (
	// SideSeller deducts the fee from the seller's payout.
	SideSeller Side = "seller"
	// SideBuyer adds the fee on top of what the buyer locks.
	SideBuyer Side = "buyer"
)

// DefaultParty receives collected fees when no party is configured.
const DefaultParty = "platform:fees"

var (
	ErrInvalidPolicy = errors.New("invalid fee policy")
	ErrFeeExceeds    = errors.New("fee exceeds amount")
	ErrOverflow      = errors.New("amount plus fee overflows")
)

// Policy is the configured fee model.
type Policy struct {
	Mode  Mode
	Rate  decimal.Decimal // percent, e.g. 2.5 means 2.5%
	Flat  int64           // minor units
	Side  Side
	Party string
}

// Quote is a fee frozen onto a transaction.
type Quote struct {
	Amount int64
	Side   Side
	Party  string
}

// None returns a zero-fee policy.
func None() Policy {
	return Policy{Mode: ModeNone, Side: SideSeller, Party: DefaultParty}
}

// Parse builds a policy from its string config form. rate is a percent
// ("2.5"), flat a USDC amount ("0.25").
func Parse(mode, rate, flat, side, party string) (Policy, error) {
	p := Policy{
		Mode:  Mode(strings.ToLower(strings.TrimSpace(mode))),
		Side:  Side(strings.ToLower(strings.TrimSpace(side))),
		Party: strings.ToLower(strings.TrimSpace(party)),
	}
	if p.Mode == "" {
		p.Mode = ModeNone
	}
	if p.Side == "" {
		p.Side = SideSeller
	}
	if p.Party == "" {
		p.Party = DefaultParty
	}

	switch p.Mode {
	case ModeNone:
	case ModePercent:
		r, err := decimal.NewFromString(strings.TrimSpace(rate))
		if err != nil {
			return p, fmt.Errorf("%w: rate %q: %v", ErrInvalidPolicy, rate, err)
		}
		p.Rate = r
	case ModeFlat:
		f, err := usdc.Parse(strings.TrimSpace(flat))
		if err != nil {
			return p, fmt.Errorf("%w: flat %q: %v", ErrInvalidPolicy, flat, err)
		}
		p.Flat = f
	default:
		return p, fmt.Errorf("%w: unknown mode %q", ErrInvalidPolicy, mode)
	}
	return p, p.Validate()
}

// Validate checks the policy's ranges.
func (p Policy) Validate() error {
	if p.Side != SideSeller && p.Side != SideBuyer {
		return fmt.Errorf("%w: side must be seller or buyer", ErrInvalidPolicy)
	}
	if p.Mode == ModePercent && (p.Rate.IsNegative() || p.Rate.GreaterThanOrEqual(decimal.NewFromInt(100))) {
		return fmt.Errorf("%w: rate must be in [0, 100)", ErrInvalidPolicy)
	}
	if p.Mode == ModeFlat && p.Flat < 0 {
		return fmt.Errorf("%w: flat fee must not be negative", ErrInvalidPolicy)
	}
	return nil
}

// Compute returns the fee for amount. Percentage fees round down to the
// minor unit. A seller-side fee must leave the seller something; a
// buyer-side fee must keep the buyer's gross representable.
func (p Policy) Compute(amount int64) (Quote, error) {
	q := Quote{Side: p.Side, Party: p.Party}
	if q.Side == "" {
		q.Side = SideSeller
	}
	if q.Party == "" {
		q.Party = DefaultParty
	}

	switch p.Mode {
	case ModePercent:
		q.Amount = decimal.NewFromInt(amount).
			Mul(p.Rate).
			Div(decimal.NewFromInt(100)).
			Floor().
			IntPart()
	case ModeFlat:
		q.Amount = p.Flat
	}

	if q.Side == SideSeller && q.Amount >= amount && q.Amount > 0 {
		return q, ErrFeeExceeds
	}
	if q.Side == SideBuyer && q.Amount > math.MaxInt64-amount {
		return q, ErrOverflow
	}
	return q, nil
}

// SellerNet is what the seller receives on release.
func (q Quote) SellerNet(amount int64) int64 {
	if q.Side == SideSeller {
		return amount - q.Amount
	}
	return amount
}

// BuyerGross is what the buyer locks when funding.
func (q Quote) BuyerGross(amount int64) int64 {
	if q.Side == SideBuyer {
		return amount + q.Amount
	}
	return amount
}
