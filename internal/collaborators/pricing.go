package collaborators

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/lockflow/internal/store"
)

// TermPricing prices one lock term relative to the base rate.
type TermPricing struct {
	Days    int     `json:"days" yaml:"days"`
	Spread  float64 `json:"spread" yaml:"spread"`
	LockFee float64 `json:"lock_fee" yaml:"lock_fee"`
}

// PricingConfig configures TablePricing.
type PricingConfig struct {
	BaseRate          float64       `json:"base_rate" yaml:"base_rate"`
	APRSpread         float64       `json:"apr_spread" yaml:"apr_spread"`
	Points            float64       `json:"points" yaml:"points"`
	AmortMonths       int           `json:"amortization_months" yaml:"amortization_months"`
	QuoteTTL          time.Duration `json:"quote_ttl" yaml:"quote_ttl"`
	ProductCode       string        `json:"product_code" yaml:"product_code"`
	Terms             []TermPricing `json:"terms" yaml:"terms"`
	DefaultLoanAmount float64       `json:"default_loan_amount" yaml:"default_loan_amount"`
}

// DefaultPricingConfig is a 30-year fixed table with 30, 45 and 60 day locks.
func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		BaseRate:    6.25,
		APRSpread:   0.125,
		AmortMonths: 360,
		QuoteTTL:    4 * time.Hour,
		ProductCode: "30YR_FIXED",
		Terms: []TermPricing{
			{Days: 30, Spread: 0, LockFee: 0},
			{Days: 45, Spread: 0.125, LockFee: 125},
			{Days: 60, Spread: 0.25, LockFee: 250},
		},
	}
}

// TablePricing prices every configured term off a single base rate.
type TablePricing struct {
	cfg PricingConfig
	now func() time.Time
}

// NewTablePricing creates a TablePricing. Zero fields take defaults.
func NewTablePricing(cfg PricingConfig) *TablePricing {
	def := DefaultPricingConfig()
	if cfg.BaseRate <= 0 {
		cfg.BaseRate = def.BaseRate
	}
	if cfg.AmortMonths <= 0 {
		cfg.AmortMonths = def.AmortMonths
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = def.QuoteTTL
	}
	if cfg.ProductCode == "" {
		cfg.ProductCode = def.ProductCode
	}
	if cfg.Terms == nil {
		cfg.Terms = def.Terms
	}
	return &TablePricing{cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the quote time source.
func (p *TablePricing) SetClock(now func() time.Time) { p.now = now }

// GetQuotes returns no options when the loan amount is unknown and no
// default amount is configured.
func (p *TablePricing) GetQuotes(ctx context.Context, rec *store.RateLockRecord) (*Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := p.now()
	q := &Quote{
		QuoteID:   "Q-" + uuid.NewString(),
		QuotedAt:  now,
		ExpiresAt: now.Add(p.cfg.QuoteTTL),
	}

	amount := p.cfg.DefaultLoanAmount
	if rec.Loan != nil && rec.Loan.Amount > 0 {
		amount = rec.Loan.Amount
	} else if rec.Request != nil && rec.Request.LoanAmount > 0 {
		amount = rec.Request.LoanAmount
	}
	if amount <= 0 {
		return q, nil
	}

	for _, t := range p.cfg.Terms {
		rate := p.cfg.BaseRate + t.Spread
		q.Options = append(q.Options, store.RateOption{
			ProductCode:    p.cfg.ProductCode,
			TermDays:       t.Days,
			Rate:           rate,
			APR:            rate + p.cfg.APRSpread,
			Points:         p.cfg.Points,
			MonthlyPayment: MonthlyPayment(amount, rate, p.cfg.AmortMonths),
			LockFee:        t.LockFee,
		})
	}
	return q, nil
}

// MonthlyPayment is the amortized principal and interest payment, rounded
// to cents.
func MonthlyPayment(amount, annualRate float64, months int) float64 {
	if months <= 0 {
		return 0
	}
	if annualRate == 0 {
		return math.Round(amount/float64(months)*100) / 100
	}
	r := annualRate / 100 / 12
	f := math.Pow(1+r, float64(months))
	return math.Round(amount*r*f/(f-1)*100) / 100
}

var _ PricingProvider = (*TablePricing)(nil)
