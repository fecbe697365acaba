package obs

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stewardops/steward/internal/store"
)

// PricingRow is one pricing window for a (provider, model) pair.
// Prices are USD per 1000 tokens, fixed-point.
type PricingRow struct {
	ID            int64           `json:"id"`
	Provider      string          `json:"provider"`
	Model         string          `json:"model"`
	InputPer1K    decimal.Decimal `json:"input_per_1k"`
	OutputPer1K   decimal.Decimal `json:"output_per_1k"`
	EffectiveFrom time.Time       `json:"effective_from"`
	EffectiveTo   *time.Time      `json:"effective_to,omitempty"`
}

// PricingTable looks up token prices for cost attribution.
type PricingTable struct {
	db *store.DB
}

// NewPricingTable ensures the pricing schema and seeds default rows.
func NewPricingTable(db *store.DB) (*PricingTable, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS obs_llm_pricing (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		provider       TEXT NOT NULL,
		model          TEXT NOT NULL,
		input_per_1k   TEXT NOT NULL,
		output_per_1k  TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		effective_to   TEXT
	)`); err != nil {
		return nil, fmt.Errorf("create obs_llm_pricing: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_obs_pricing_model ON obs_llm_pricing(provider, model, effective_from)`)

	pt := &PricingTable{db: db}
	if err := pt.seedDefaults(); err != nil {
		return nil, err
	}
	return pt, nil
}

// Upsert inserts a new pricing window.
func (pt *PricingTable) Upsert(row PricingRow) error {
	var to any
	if row.EffectiveTo != nil {
		to = row.EffectiveTo.UTC().Format("2006-01-02")
	}
	_, err := pt.db.Exec(
		`INSERT INTO obs_llm_pricing (provider, model, input_per_1k, output_per_1k, effective_from, effective_to)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		row.Provider, row.Model, row.InputPer1K.String(), row.OutputPer1K.String(),
		row.EffectiveFrom.UTC().Format("2006-01-02"), to,
	)
	return err
}

// CostFor computes the cost of a call at the pricing effective on "at":
// the most recent window with effective_from <= at and effective_to
// unset or >= at. Returns ErrNotFound when no window matches.
func (pt *PricingTable) CostFor(provider, model string, tokensIn, tokensOut int64, at time.Time) (decimal.Decimal, error) {
	day := at.UTC().Format("2006-01-02")

	var inStr, outStr string
	err := pt.db.QueryRow(
		`SELECT input_per_1k, output_per_1k FROM obs_llm_pricing
		 WHERE provider = ? AND model = ? AND effective_from <= ?
		 AND (effective_to IS NULL OR effective_to >= ?)
		 ORDER BY effective_from DESC LIMIT 1`,
		provider, model, day, day,
	).Scan(&inStr, &outStr)
	if err == sql.ErrNoRows {
		return decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}

	inPrice, err := decimal.NewFromString(inStr)
	if err != nil {
		return decimal.Zero, err
	}
	outPrice, err := decimal.NewFromString(outStr)
	if err != nil {
		return decimal.Zero, err
	}

	thousand := decimal.NewFromInt(1000)
	cost := inPrice.Mul(decimal.NewFromInt(tokensIn)).Div(thousand).
		Add(outPrice.Mul(decimal.NewFromInt(tokensOut)).Div(thousand))
	// Money fields are decimal(12,4).
	return cost.Round(4), nil
}

// seedDefaults inserts pricing for the models the risk executor can
// downgrade to, so cost attribution keeps working after an intervention.
// Only runs on an empty table.
func (pt *PricingTable) seedDefaults() error {
	var n int
	if err := pt.db.QueryRow(`SELECT COUNT(*) FROM obs_llm_pricing`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	defaults := []PricingRow{
		{Provider: "openai", Model: "gpt-4o", InputPer1K: dec("0.0025"), OutputPer1K: dec("0.01")},
		{Provider: "openai", Model: "gpt-4o-mini", InputPer1K: dec("0.00015"), OutputPer1K: dec("0.0006")},
		{Provider: "anthropic", Model: "claude-sonnet", InputPer1K: dec("0.003"), OutputPer1K: dec("0.015")},
		{Provider: "anthropic", Model: "claude-haiku", InputPer1K: dec("0.0008"), OutputPer1K: dec("0.004")},
		{Provider: "google", Model: "gemini-2.0-flash", InputPer1K: dec("0.0001"), OutputPer1K: dec("0.0004")},
	}
	for _, row := range defaults {
		row.EffectiveFrom = epoch
		if err := pt.Upsert(row); err != nil {
			return fmt.Errorf("seed pricing %s/%s: %w", row.Provider, row.Model, err)
		}
	}
	return nil
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}
