package costguard

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// Ceilings are the three independent spend limits, in currency units.
type Ceilings struct {
	PerRequest float64
	UserDaily  float64
	SiteHourly float64
}

// DefaultCeilings returns conservative defaults.
func DefaultCeilings() Ceilings {
	return Ceilings{
		PerRequest: 0.40,
		UserDaily:  5.00,
		SiteHourly: 25.00,
	}
}

// Severity ranks a budget violation.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityWarning:
		return "warning"
	default:
		return "none"
	}
}

// RemainingBudget is the headroom left in each scope before a candidate
// request is applied.
type RemainingBudget struct {
	Request    float64 `json:"request"`
	UserDaily  float64 `json:"user_daily"`
	SiteHourly float64 `json:"site_hourly"`
}

// BudgetStatus is a per-evaluation snapshot derived from the ledger.
// It is never stored.
type BudgetStatus struct {
	WithinRequestLimit bool            `json:"within_request_limit"`
	WithinUserLimit    bool            `json:"within_user_limit"`
	WithinSiteLimit    bool            `json:"within_site_limit"`
	UserSpentToday     float64         `json:"user_spent_today"`
	SiteSpentThisHour  float64         `json:"site_spent_this_hour"`
	Remaining          RemainingBudget `json:"remaining"`
}

// PreflightResult is the admission decision for a candidate request.
// A denial is a normal result, not an error; it always carries remediation
// guidance.
type PreflightResult struct {
	Allowed  bool         `json:"allowed"`
	Reason   string       `json:"reason,omitempty"`
	Severity Severity     `json:"-"`
	Estimate CostEstimate `json:"cost_estimate"`
	Status   BudgetStatus `json:"budget_status"`

	// RecommendedOutputTokens is the largest output size that would satisfy
	// all ceilings; 0 when no viable reduction exists.
	RecommendedOutputTokens int64    `json:"recommended_output_tokens,omitempty"`
	SuggestedActions        []string `json:"suggested_actions,omitempty"`
}

const (
	userWindow = 24 * time.Hour
	siteWindow = time.Hour

	defaultMinViableTokens = 512
	reportTopUsers         = 5
)

// Guardian tracks cumulative spend at request/user/site granularity and
// issues pre-flight allow/deny decisions. Preflight is side-effect-free and
// retry-safe; callers record admitted usage separately via RecordUsage.
type Guardian struct {
	ledger    Ledger
	ceilings  Ceilings
	enforce   bool
	minViable int64
	meter     Meter
	now       func() time.Time
}

// GuardianOption configures a Guardian.
type GuardianOption func(*Guardian)

// WithCeilings sets the spend ceilings.
func WithCeilings(c Ceilings) GuardianOption {
	return func(g *Guardian) { g.ceilings = c }
}

// WithEnforcement toggles budget enforcement. When disabled, Preflight
// always allows (estimates are still computed and reported).
func WithEnforcement(enabled bool) GuardianOption {
	return func(g *Guardian) { g.enforce = enabled }
}

// WithMinViableTokens sets the floor below which a recommended output size
// is not worth suggesting.
func WithMinViableTokens(n int64) GuardianOption {
	return func(g *Guardian) { g.minViable = n }
}

// WithGuardianMeter sets the meter.
func WithGuardianMeter(m Meter) GuardianOption {
	return func(g *Guardian) { g.meter = m }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) GuardianOption {
	return func(g *Guardian) { g.now = now }
}

// NewGuardian creates a Guardian backed by the given ledger.
func NewGuardian(ledger Ledger, opts ...GuardianOption) (*Guardian, error) {
	if ledger == nil {
		return nil, fmt.Errorf("costguard: a ledger is required")
	}
	g := &Guardian{
		ledger:    ledger,
		ceilings:  DefaultCeilings(),
		enforce:   true,
		minViable: defaultMinViableTokens,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.meter == nil {
		g.meter = noopMeter{}
	}
	return g, nil
}

// Preflight evaluates a candidate request against the three ceilings.
// Ceiling violation is a normal allowed=false result; only malformed inputs
// or a ledger read failure return an error (budget checks fail closed).
func (g *Guardian) Preflight(ctx context.Context, userID string, capability ModelCapability, inputTokens, outputTokens int64) (PreflightResult, error) {
	est, err := EstimateCost(capability, inputTokens, outputTokens, 0)
	if err != nil {
		return PreflightResult{}, err
	}

	now := g.now()
	userSpent, err := g.ledger.UserSpend(ctx, userID, now.Add(-userWindow))
	if err != nil {
		return PreflightResult{}, fmt.Errorf("costguard: user spend lookup: %w", err)
	}
	siteSpent, err := g.ledger.SiteSpend(ctx, now.Add(-siteWindow))
	if err != nil {
		return PreflightResult{}, fmt.Errorf("costguard: site spend lookup: %w", err)
	}

	status := BudgetStatus{
		WithinRequestLimit: est.TotalCost <= g.ceilings.PerRequest,
		WithinUserLimit:    userSpent+est.TotalCost <= g.ceilings.UserDaily,
		WithinSiteLimit:    siteSpent+est.TotalCost <= g.ceilings.SiteHourly,
		UserSpentToday:     userSpent,
		SiteSpentThisHour:  siteSpent,
		Remaining: RemainingBudget{
			Request:    clampNonNegative(g.ceilings.PerRequest - est.TotalCost),
			UserDaily:  clampNonNegative(g.ceilings.UserDaily - userSpent),
			SiteHourly: clampNonNegative(g.ceilings.SiteHourly - siteSpent),
		},
	}

	res := PreflightResult{
		Allowed:  true,
		Estimate: est,
		Status:   status,
	}

	if g.enforce {
		switch {
		case !status.WithinRequestLimit:
			res.Allowed = false
			res.Severity = SeverityCritical
			res.Reason = fmt.Sprintf("estimated cost %.4f %s exceeds per-request ceiling %.4f",
				est.TotalCost, est.Currency, g.ceilings.PerRequest)
		case !status.WithinUserLimit:
			res.Allowed = false
			res.Severity = SeverityWarning
			res.Reason = fmt.Sprintf("user daily spend %.4f + %.4f exceeds ceiling %.4f",
				userSpent, est.TotalCost, g.ceilings.UserDaily)
		case !status.WithinSiteLimit:
			res.Allowed = false
			res.Severity = SeverityWarning
			res.Reason = fmt.Sprintf("site hourly spend %.4f + %.4f exceeds ceiling %.4f",
				siteSpent, est.TotalCost, g.ceilings.SiteHourly)
		}
	}

	if !res.Allowed {
		if rec := g.recommendOutputTokens(capability, inputTokens, userSpent, siteSpent); rec >= g.minViable {
			res.RecommendedOutputTokens = rec
			res.SuggestedActions = []string{
				fmt.Sprintf("retry with max_tokens <= %d", rec),
				"split the task into smaller requests",
			}
		} else {
			res.SuggestedActions = []string{
				"wait for the current usage window to roll over",
				"reduce the prompt size or the scope of the task",
			}
		}
	}

	g.meter.OnPreflight(PreflightEvent{
		UserID:        userID,
		Model:         capability.Model,
		Allowed:       res.Allowed,
		Severity:      res.Severity,
		EstimatedCost: est.TotalCost,
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
	})

	return res, nil
}

// recommendOutputTokens solves for the largest output token count that
// satisfies every ceiling simultaneously. Cost is linear in output tokens,
// so each ceiling yields a direct algebraic bound; the minimum across all
// of them is the safe recommendation.
func (g *Guardian) recommendOutputTokens(capability ModelCapability, inputTokens int64, userSpent, siteSpent float64) int64 {
	perToken := capability.Pricing.OutputPer1K / 1000
	if perToken <= 0 {
		return 0
	}
	inputCost := float64(inputTokens) / 1000 * capability.Pricing.InputPer1K

	bound := func(allowance float64) int64 {
		if allowance <= 0 {
			return 0
		}
		return int64(math.Floor(allowance / perToken))
	}

	rec := bound(g.ceilings.PerRequest - inputCost)
	if b := bound(g.ceilings.UserDaily - userSpent - inputCost); b < rec {
		rec = b
	}
	if b := bound(g.ceilings.SiteHourly - siteSpent - inputCost); b < rec {
		rec = b
	}
	if rec > capability.MaxOutputTokens {
		rec = capability.MaxOutputTokens
	}
	return rec
}

// RecordUsage appends an admission decision to the ledger. It is the
// caller's responsibility to invoke this after an allowed Preflight; the
// check itself stays side-effect-free. A duplicate request id is rejected
// with ErrDuplicateRequest so aggregates never double-count.
func (g *Guardian) RecordUsage(ctx context.Context, requestID, userID string, estimate CostEstimate, approved bool) error {
	if requestID == "" {
		return fmt.Errorf("%w: empty request id", ErrInvalidArgument)
	}
	rec := UsageRecord{
		RequestID: requestID,
		UserID:    userID,
		Timestamp: g.now(),
		Estimated: estimate,
		Approved:  approved,
	}
	if err := g.ledger.Append(ctx, rec); err != nil {
		return err
	}
	g.meter.OnUsage(UsageEvent{
		RequestID: requestID,
		UserID:    userID,
		Cost:      estimate.TotalCost,
		Approved:  approved,
	})
	return nil
}

// RecordActual back-fills the actual cost for a previously recorded request.
func (g *Guardian) RecordActual(ctx context.Context, requestID string, actual CostEstimate) error {
	if requestID == "" {
		return fmt.Errorf("%w: empty request id", ErrInvalidArgument)
	}
	if err := g.ledger.SetActual(ctx, requestID, actual); err != nil {
		return err
	}
	g.meter.OnUsage(UsageEvent{
		RequestID: requestID,
		Cost:      actual.TotalCost,
		Approved:  true,
		Actual:    true,
	})
	return nil
}

// UserSpend is a per-user entry in an aggregate report.
type UserSpend struct {
	UserID string  `json:"user_id"`
	Spend  float64 `json:"spend"`
}

// AggregateReport summarizes ledger activity over a time range.
type AggregateReport struct {
	Start                 time.Time   `json:"start"`
	End                   time.Time   `json:"end"`
	TotalRequests         int         `json:"total_requests"`
	ApprovedRequests      int         `json:"approved_requests"`
	TotalEstimatedCost    float64     `json:"total_estimated_cost"`
	TotalActualCost       float64     `json:"total_actual_cost"`
	AverageCostPerRequest float64     `json:"average_cost_per_request"`
	TopUsers              []UserSpend `json:"top_users"`
}

// CostReport aggregates ledger records over [start, end). Each record
// contributes whichever of actual/estimated cost is known at query time.
func (g *Guardian) CostReport(ctx context.Context, start, end time.Time) (AggregateReport, error) {
	if end.Before(start) {
		return AggregateReport{}, fmt.Errorf("%w: report end before start", ErrInvalidArgument)
	}

	records, err := g.ledger.RecordsBetween(ctx, start, end)
	if err != nil {
		return AggregateReport{}, fmt.Errorf("costguard: cost report: %w", err)
	}

	report := AggregateReport{Start: start, End: end, TotalRequests: len(records)}
	byUser := make(map[string]float64)

	for _, rec := range records {
		report.TotalEstimatedCost += rec.Estimated.TotalCost
		if rec.Actual != nil {
			report.TotalActualCost += rec.Actual.TotalCost
		}
		if rec.Approved {
			report.ApprovedRequests++
			byUser[rec.UserID] += rec.EffectiveCost()
		}
	}

	if report.ApprovedRequests > 0 {
		var total float64
		for _, spend := range byUser {
			total += spend
		}
		report.AverageCostPerRequest = total / float64(report.ApprovedRequests)
	}

	for user, spend := range byUser {
		report.TopUsers = append(report.TopUsers, UserSpend{UserID: user, Spend: spend})
	}
	sort.Slice(report.TopUsers, func(i, j int) bool {
		if report.TopUsers[i].Spend != report.TopUsers[j].Spend {
			return report.TopUsers[i].Spend > report.TopUsers[j].Spend
		}
		return report.TopUsers[i].UserID < report.TopUsers[j].UserID
	})
	if len(report.TopUsers) > reportTopUsers {
		report.TopUsers = report.TopUsers[:reportTopUsers]
	}

	return report, nil
}

// UsageRecords returns up to limit records, newest first, optionally
// filtered by user id.
func (g *Guardian) UsageRecords(ctx context.Context, userID string, limit int) ([]UsageRecord, error) {
	return g.ledger.Records(ctx, userID, limit)
}

func clampNonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
