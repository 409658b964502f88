package costguard

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ContinuationMode selects how the next segment carries prior content.
type ContinuationMode int

const (
	// ModeNormal continues from a tail of the previous content.
	ModeNormal ContinuationMode = iota
	// ModeSummarize compresses the previous content before continuing.
	ModeSummarize
	// ModeTruncateWarn stops continuing; the context window is effectively
	// exhausted and the caller should surface a truncation warning.
	ModeTruncateWarn
)

func (m ContinuationMode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeSummarize:
		return "summarize"
	case ModeTruncateWarn:
		return "truncate-warn"
	default:
		return "unknown"
	}
}

// ContinuationStrategy is the policy for one continuation lineage.
type ContinuationStrategy struct {
	Mode                ContinuationMode
	MaxTokensPerSegment int64
	OverlapTokens       int64
	MaxSegments         int
	// SummaryThreshold is the fraction of the context window at which
	// summarization is preferred over raw continuation.
	SummaryThreshold float64
}

// DefaultStrategy returns the default continuation policy.
func DefaultStrategy() ContinuationStrategy {
	return ContinuationStrategy{
		Mode:                ModeNormal,
		MaxTokensPerSegment: 4096,
		OverlapTokens:       512,
		MaxSegments:         8,
		SummaryThreshold:    0.8,
	}
}

// ContinuationDecision is the result of evaluating whether a truncated
// generation is worth continuing. It never reflects budget state; that is
// the guardian's call, made separately before each segment.
type ContinuationDecision struct {
	ShouldContinue bool
	Reason         string
	Strategy       ContinuationStrategy
}

// ContinuationOutcome discriminates how a lineage ended.
type ContinuationOutcome int

const (
	OutcomeCompleted ContinuationOutcome = iota
	OutcomeMaxSegments
	OutcomeBudgetDenied
	OutcomeTransportFailed
	OutcomeCanceled
	// OutcomeFailed covers non-transport segment failures, such as an
	// oversized prompt or a ledger write error.
	OutcomeFailed
)

func (o ContinuationOutcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeMaxSegments:
		return "max_segments"
	case OutcomeBudgetDenied:
		return "budget_denied"
	case OutcomeTransportFailed:
		return "transport_failed"
	case OutcomeCanceled:
		return "canceled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ContinuationResult is the terminal state of a continuation lineage.
// Content always holds everything accumulated, whatever the outcome.
type ContinuationResult struct {
	RequestID    string
	Content      string
	FinishReason FinishReason
	Segments     int // continuation segments executed
	Outcome      ContinuationOutcome
	StopReason   string

	// Denial carries the guardian's decision when Outcome is
	// OutcomeBudgetDenied.
	Denial *PreflightResult

	// Err carries the segment error when Outcome is OutcomeTransportFailed,
	// OutcomeCanceled, or OutcomeFailed.
	Err error
}

// SegmentResult is the outcome of a single continuation segment.
type SegmentResult struct {
	Content      string       // accumulated content including this segment
	FinishReason FinishReason // finish reason of this segment
	SegmentIndex int          // index of the segment just produced
	Usage        Usage

	// Denied is non-nil when the guardian refused the segment; no transport
	// call was made and Content is the previous content unchanged.
	Denied *PreflightResult
}

// Summarizer compresses accumulated content before a summarize-mode segment.
type Summarizer interface {
	Summarize(ctx context.Context, content string) (string, error)
}

// lineageState is the continuation state machine state.
type lineageState int

const (
	stateEvaluating lineageState = iota
	stateContinuing
	stateStopped
)

const defaultSegmentTimeout = 2 * time.Minute

// Engine orchestrates multi-segment continuation of truncated generations,
// re-checking budget with the guardian before every additional segment.
type Engine struct {
	registry  *CapabilityRegistry
	guardian  *Guardian
	transport Transport

	defaults       ContinuationStrategy
	summarizer     Summarizer
	segmentTimeout time.Duration
	enabled        bool
	meter          Meter
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithStrategy sets the default continuation policy.
func WithStrategy(s ContinuationStrategy) EngineOption {
	return func(e *Engine) { e.defaults = s }
}

// WithSummarizer sets the summarizer used in summarize mode. Without one,
// summarize mode falls back to an overlap tail.
func WithSummarizer(s Summarizer) EngineOption {
	return func(e *Engine) { e.summarizer = s }
}

// WithSegmentTimeout sets the per-segment transport timeout.
func WithSegmentTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.segmentTimeout = d }
}

// WithContinuation toggles continuation outright. When disabled the engine
// never continues.
func WithContinuation(enabled bool) EngineOption {
	return func(e *Engine) { e.enabled = enabled }
}

// WithEngineMeter sets the meter.
func WithEngineMeter(m Meter) EngineOption {
	return func(e *Engine) { e.meter = m }
}

// NewEngine creates a continuation Engine.
func NewEngine(registry *CapabilityRegistry, guardian *Guardian, transport Transport, opts ...EngineOption) (*Engine, error) {
	if registry == nil || guardian == nil || transport == nil {
		return nil, fmt.Errorf("costguard: registry, guardian, and transport are required")
	}
	e := &Engine{
		registry:       registry,
		guardian:       guardian,
		transport:      transport,
		defaults:       DefaultStrategy(),
		segmentTimeout: defaultSegmentTimeout,
		enabled:        true,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.meter == nil {
		e.meter = noopMeter{}
	}
	return e, nil
}

// EvaluateStrategy decides whether a truncated generation should be
// continued and under what strategy. segmentIndex is the index of the last
// completed segment (0 for the initial generation). Budget is deliberately
// not consulted here.
func (e *Engine) EvaluateStrategy(ctx context.Context, userID, model, contentSoFar string, finish FinishReason, segmentIndex int) ContinuationDecision {
	if !e.enabled {
		return ContinuationDecision{Reason: "continuation disabled"}
	}
	if finish.Terminal() {
		return ContinuationDecision{Reason: fmt.Sprintf("finish reason %q is terminal", finish)}
	}
	if segmentIndex >= e.defaults.MaxSegments {
		return ContinuationDecision{Reason: fmt.Sprintf("segment cap %d reached", e.defaults.MaxSegments)}
	}

	capability := e.registry.Capabilities(ctx, model)
	strategy := e.defaults
	contentTokens := EstimateContentTokens(contentSoFar)

	// Once accumulated content crosses the threshold fraction of the
	// context window, raw continuation would starve the output budget;
	// prefer summarization, and give up entirely when even a summarized
	// prompt leaves no room for a useful segment.
	used := float64(contentTokens) / float64(capability.ContextWindow)
	switch {
	case capability.ContextWindow-contentTokens < strategy.OverlapTokens && e.summarizer == nil:
		strategy.Mode = ModeTruncateWarn
		return ContinuationDecision{
			Reason:   "context window exhausted",
			Strategy: strategy,
		}
	case used >= strategy.SummaryThreshold:
		strategy.Mode = ModeSummarize
	default:
		strategy.Mode = ModeNormal
	}

	return ContinuationDecision{ShouldContinue: true, Strategy: strategy}
}

// ExecuteSegment runs one continuation segment: re-checks budget, builds the
// next-segment prompt from the previous content per the strategy, invokes
// the transport, and commits usage. A budget denial is returned in the
// result, never as an error; the previous content is preserved either way.
func (e *Engine) ExecuteSegment(ctx context.Context, requestID, userID, model string, messages []Message, previousContent string, strategy ContinuationStrategy, segmentIndex int) (SegmentResult, error) {
	capability := e.registry.Capabilities(ctx, model)
	segment := segmentIndex + 1

	segMessages := e.segmentMessages(ctx, messages, previousContent, strategy)

	fail := SegmentResult{
		Content:      previousContent,
		FinishReason: FinishLength,
		SegmentIndex: segmentIndex,
	}

	inputTokens := EstimateTokens(segMessages)
	maxTokens, err := OptimalMaxTokens(capability, inputTokens, strategy.MaxTokensPerSegment)
	if err != nil {
		return fail, &SegmentError{Err: err, RequestID: requestID, Segment: segment}
	}

	pre, err := e.guardian.Preflight(ctx, userID, capability, inputTokens, maxTokens)
	if err != nil {
		return fail, &SegmentError{Err: err, RequestID: requestID, Segment: segment}
	}
	if !pre.Allowed {
		e.meter.OnSegment(SegmentEvent{
			RequestID: requestID,
			UserID:    userID,
			Model:     model,
			Segment:   segment,
			Mode:      strategy.Mode,
			Allowed:   false,
		})
		return SegmentResult{
			Content:      previousContent,
			FinishReason: FinishLength,
			SegmentIndex: segmentIndex,
			Denied:       &pre,
		}, nil
	}

	// Commit the segment's estimate before the transport call so the next
	// segment's budget check sees it.
	segmentID := segmentRequestID(requestID, segment)
	if err := e.guardian.RecordUsage(ctx, segmentID, userID, pre.Estimate, true); err != nil {
		return fail, &SegmentError{Err: err, RequestID: requestID, Segment: segment}
	}

	tctx, cancel := context.WithTimeout(ctx, e.segmentTimeout)
	defer cancel()

	start := time.Now()
	gen, err := e.transport.Generate(tctx, TransportRequest{
		Model:     model,
		Messages:  segMessages,
		MaxTokens: IntPtr(int(maxTokens)),
	})
	duration := time.Since(start)

	if err != nil {
		// Nothing was generated: zero out the reserved estimate so the
		// failed segment is not counted as spend.
		e.flushZeroActual(ctx, segmentID, pre.Estimate.Currency)
		e.meter.OnSegment(SegmentEvent{
			RequestID: requestID,
			UserID:    userID,
			Model:     model,
			Segment:   segment,
			Mode:      strategy.Mode,
			Allowed:   true,
			Duration:  duration,
			Err:       err,
		})
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = fmt.Errorf("%w: %v", ErrTransportFailed, err)
		}
		return fail, &SegmentError{Err: err, RequestID: requestID, Segment: segment}
	}

	actual, aerr := EstimateCost(capability, gen.Usage.PromptTokens, gen.Usage.CompletionTokens, gen.Usage.ReasoningTokens)
	if aerr == nil {
		// Back-fill failure must not fail the already-completed segment.
		_ = e.guardian.RecordActual(ctx, segmentID, actual)
	}

	e.meter.OnSegment(SegmentEvent{
		RequestID: requestID,
		UserID:    userID,
		Model:     model,
		Segment:   segment,
		Mode:      strategy.Mode,
		Allowed:   true,
		Duration:  duration,
		Usage:     gen.Usage,
	})

	return SegmentResult{
		Content:      previousContent + gen.Content,
		FinishReason: gen.FinishReason,
		SegmentIndex: segment,
		Usage:        gen.Usage,
	}, nil
}

// ContinuationRequest describes a truncated generation to pick up.
type ContinuationRequest struct {
	RequestID    string // generated when empty
	UserID       string
	Model        string
	Messages     []Message
	Content      string // content accumulated so far
	FinishReason FinishReason
}

// Continue drives the continuation state machine for one lineage:
// Evaluating -> Continuing -> Evaluating ... -> Stopped. Segments execute
// strictly sequentially; each one's usage is committed before the next
// budget check. The result always carries the accumulated content.
func (e *Engine) Continue(ctx context.Context, req ContinuationRequest) (ContinuationResult, error) {
	if req.Model == "" {
		return ContinuationResult{}, fmt.Errorf("%w: model is required", ErrInvalidArgument)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	result := ContinuationResult{
		RequestID:    req.RequestID,
		Content:      req.Content,
		FinishReason: req.FinishReason,
		Outcome:      OutcomeCompleted,
	}

	segmentIndex := 0
	state := stateEvaluating
	var strategy ContinuationStrategy

	for state != stateStopped {
		switch state {
		case stateEvaluating:
			if ctx.Err() != nil {
				result.Outcome = OutcomeCanceled
				result.Err = ctx.Err()
				state = stateStopped
				continue
			}

			decision := e.EvaluateStrategy(ctx, req.UserID, req.Model, result.Content, result.FinishReason, segmentIndex)
			if !decision.ShouldContinue {
				result.StopReason = decision.Reason
				if result.FinishReason == FinishLength && segmentIndex >= e.defaults.MaxSegments {
					result.Outcome = OutcomeMaxSegments
				}
				state = stateStopped
				continue
			}
			strategy = decision.Strategy
			state = stateContinuing

		case stateContinuing:
			seg, err := e.ExecuteSegment(ctx, req.RequestID, req.UserID, req.Model, req.Messages, result.Content, strategy, segmentIndex)
			if err != nil {
				result.Content = seg.Content
				result.Err = err
				switch {
				case ctx.Err() != nil:
					result.Outcome = OutcomeCanceled
				case errors.Is(err, ErrTransportFailed):
					result.Outcome = OutcomeTransportFailed
				default:
					result.Outcome = OutcomeFailed
				}
				state = stateStopped
				continue
			}
			if seg.Denied != nil {
				result.Outcome = OutcomeBudgetDenied
				result.Denial = seg.Denied
				state = stateStopped
				continue
			}

			segmentIndex = seg.SegmentIndex
			result.Content = seg.Content
			result.FinishReason = seg.FinishReason
			result.Segments = segmentIndex
			state = stateEvaluating
		}
	}

	return result, nil
}

// segmentMessages builds the prompt for the next segment. Normal mode
// carries an overlap tail of the previous content; summarize mode replaces
// it with a summary (falling back to the tail if the summarizer is absent
// or fails).
func (e *Engine) segmentMessages(ctx context.Context, messages []Message, previousContent string, strategy ContinuationStrategy) []Message {
	carry := tailTokens(previousContent, strategy.OverlapTokens)

	if strategy.Mode == ModeSummarize && e.summarizer != nil {
		summary, err := e.summarizer.Summarize(ctx, previousContent)
		if err == nil && summary != "" {
			carry = summary
		}
	}

	out := make([]Message, 0, len(messages)+2)
	out = append(out, messages...)
	out = append(out,
		Message{Role: "assistant", Content: carry},
		Message{Role: "user", Content: "Continue exactly from where you left off. Do not repeat earlier text."},
	)
	return out
}

func (e *Engine) flushZeroActual(ctx context.Context, segmentID, currency string) {
	if currency == "" {
		currency = "USD"
	}
	_ = e.guardian.RecordActual(ctx, segmentID, CostEstimate{Currency: currency})
}

func segmentRequestID(requestID string, segment int) string {
	return fmt.Sprintf("%s#%d", requestID, segment)
}

// tailTokens returns roughly the last n tokens of content. The cut is
// advanced to a rune boundary so a multi-byte character is never split.
func tailTokens(content string, n int64) string {
	chars := int(n) * 4
	if chars <= 0 || len(content) <= chars {
		return content
	}
	cut := len(content) - chars
	for cut < len(content) && !utf8.RuneStart(content[cut]) {
		cut++
	}
	return content[cut:]
}
