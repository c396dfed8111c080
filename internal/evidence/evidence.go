// Package evidence turns the vision-language service's judgment into a
// VALID / INVALID / UNCERTAIN decision. The gate fails closed: nothing but a
// confident, well-formed "supported" judgment can produce VALID.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/models"
)

// Analyzer is the external vision-language service.
type Analyzer interface {
	Analyze(ctx context.Context, media []models.Attachment, claim string) (genai.Judgment, error)
}

// Decision is the gate's output for one piece of evidence.
type Decision struct {
	Outcome    models.ValidationOutcome
	Confidence float64 // support for the claim in [0,1]; zero when the analyzer gave nothing usable
	Reason     string
}

// Opts holds the gate policy.
type Opts struct {
	ValidThreshold   float64
	InvalidThreshold float64
	Timeout          time.Duration
}

// Option configures the gate.
type Option func(*Opts)

// WithThresholds sets the VALID and INVALID cut-offs.
func WithThresholds(valid, invalid float64) Option {
	return func(o *Opts) {
		o.ValidThreshold = valid
		o.InvalidThreshold = invalid
	}
}

// WithTimeout bounds each analyzer call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Gate applies the threshold policy to analyzer judgments.
type Gate struct {
	analyzer Analyzer
	opts     Opts
}

// NewGate validates the policy and returns a gate.
func NewGate(analyzer Analyzer, opts ...Option) (*Gate, error) {
	cfg := Opts{ValidThreshold: 0.8, InvalidThreshold: 0.3, Timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	if analyzer == nil {
		return nil, errors.New("evidence analyzer is required")
	}
	if cfg.InvalidThreshold < 0 || cfg.ValidThreshold > 1 || cfg.InvalidThreshold >= cfg.ValidThreshold {
		return nil, fmt.Errorf("invalid thresholds valid=%v invalid=%v: %w", cfg.ValidThreshold, cfg.InvalidThreshold, models.ErrInvalidInput)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive: %w", models.ErrInvalidInput)
	}
	return &Gate{analyzer: analyzer, opts: cfg}, nil
}

func uncertain(reason string) Decision {
	return Decision{Outcome: models.ValidationUncertain, Reason: reason}
}

// Validate judges media against claim. It never returns an error; every
// failure of the analyzer is reported as UNCERTAIN.
func (g *Gate) Validate(ctx context.Context, media []models.Attachment, claim string) Decision {
	usable := 0
	for _, a := range media {
		if !a.Empty() {
			usable++
		}
	}
	if usable == 0 {
		return uncertain("no usable evidence")
	}

	callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()
	j, err := g.analyzer.Analyze(callCtx, media, claim)
	if err != nil {
		slog.Warn("Gate.Validate: analyzer failed, treating as uncertain", "error", err)
		return uncertain("analyzer unavailable")
	}
	if callCtx.Err() != nil {
		slog.Warn("Gate.Validate: analyzer answered after deadline", "error", callCtx.Err())
		return uncertain("analyzer timed out")
	}
	if math.IsNaN(j.Confidence) || j.Confidence < 0 || j.Confidence > 1 {
		slog.Warn("Gate.Validate: confidence out of range", "confidence", j.Confidence)
		return uncertain("malformed analyzer confidence")
	}

	var d Decision
	switch j.Verdict {
	case genai.VerdictSupported:
		d = Decision{Confidence: j.Confidence, Reason: j.Explanation}
		switch {
		case j.Confidence >= g.opts.ValidThreshold:
			d.Outcome = models.ValidationValid
		case j.Confidence <= g.opts.InvalidThreshold:
			d.Outcome = models.ValidationInvalid
		default:
			d.Outcome = models.ValidationUncertain
		}
	case genai.VerdictNotSupported:
		// A rejection is never read as support, however unsure it is.
		d = Decision{Outcome: models.ValidationUncertain, Confidence: 1 - j.Confidence, Reason: j.Explanation}
		if j.Confidence >= 1-g.opts.InvalidThreshold {
			d.Outcome = models.ValidationInvalid
		}
	case genai.VerdictUnclear:
		return Decision{Outcome: models.ValidationUncertain, Confidence: j.Confidence, Reason: "analyzer unsure"}
	default:
		slog.Warn("Gate.Validate: unknown verdict", "verdict", j.Verdict)
		return uncertain("unrecognised analyzer verdict")
	}
	slog.Debug("Gate.Validate: decided", "outcome", d.Outcome, "verdict", j.Verdict, "support", d.Confidence)
	return d
}
