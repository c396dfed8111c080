package evidence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/models"
)

type fakeAnalyzer struct {
	judgment genai.Judgment
	err      error
	delay    time.Duration
	calls    int
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, media []models.Attachment, claim string) (genai.Judgment, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return genai.Judgment{}, ctx.Err()
		}
	}
	return f.judgment, f.err
}

var photo = []models.Attachment{{MediaType: "image/jpeg", Data: []byte{1, 2, 3}}}

func TestValidateThresholds(t *testing.T) {
	tests := []struct {
		name     string
		judgment genai.Judgment
		want     models.ValidationOutcome
	}{
		{"confident support", genai.Judgment{Verdict: genai.VerdictSupported, Confidence: 0.85}, models.ValidationValid},
		{"exactly valid threshold", genai.Judgment{Verdict: genai.VerdictSupported, Confidence: 0.8}, models.ValidationValid},
		{"middling support", genai.Judgment{Verdict: genai.VerdictSupported, Confidence: 0.5}, models.ValidationUncertain},
		{"weak support", genai.Judgment{Verdict: genai.VerdictSupported, Confidence: 0.2}, models.ValidationInvalid},
		{"confident rejection", genai.Judgment{Verdict: genai.VerdictNotSupported, Confidence: 0.9}, models.ValidationInvalid},
		{"fairly confident rejection", genai.Judgment{Verdict: genai.VerdictNotSupported, Confidence: 0.75}, models.ValidationInvalid},
		{"hesitant rejection", genai.Judgment{Verdict: genai.VerdictNotSupported, Confidence: 0.5}, models.ValidationUncertain},
		{"barely confident rejection", genai.Judgment{Verdict: genai.VerdictNotSupported, Confidence: 0.1}, models.ValidationUncertain},
		{"zero confidence rejection", genai.Judgment{Verdict: genai.VerdictNotSupported, Confidence: 0}, models.ValidationUncertain},
		{"unclear", genai.Judgment{Verdict: genai.VerdictUnclear, Confidence: 0.99}, models.ValidationUncertain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewGate(&fakeAnalyzer{judgment: tt.judgment})
			if err != nil {
				t.Fatalf("NewGate: %v", err)
			}
			if got := g.Validate(context.Background(), photo, "box crushed"); got.Outcome != tt.want {
				t.Errorf("Validate = %+v, want %s", got, tt.want)
			}
		})
	}
}

// The gate must never answer VALID when the analyzer misbehaves.
func TestValidateFailsClosed(t *testing.T) {
	tests := []struct {
		name     string
		analyzer *fakeAnalyzer
		media    []models.Attachment
	}{
		{"analyzer error", &fakeAnalyzer{err: errors.New("503"), judgment: genai.Judgment{Verdict: genai.VerdictSupported, Confidence: 1}}, photo},
		{"timeout", &fakeAnalyzer{delay: time.Second, judgment: genai.Judgment{Verdict: genai.VerdictSupported, Confidence: 1}}, photo},
		{"confidence above one", &fakeAnalyzer{judgment: genai.Judgment{Verdict: genai.VerdictSupported, Confidence: 1.7}}, photo},
		{"negative confidence", &fakeAnalyzer{judgment: genai.Judgment{Verdict: genai.VerdictNotSupported, Confidence: -2}}, photo},
		{"NaN confidence", &fakeAnalyzer{judgment: genai.Judgment{Verdict: genai.VerdictSupported, Confidence: math.NaN()}}, photo},
		{"unknown verdict", &fakeAnalyzer{judgment: genai.Judgment{Verdict: "definitely", Confidence: 1}}, photo},
		{"video the analyzer cannot see", &fakeAnalyzer{err: fmt.Errorf("%w: %w", models.ErrExternalService, genai.ErrNoInspectableMedia), judgment: genai.Judgment{Verdict: genai.VerdictSupported, Confidence: 1}}, []models.Attachment{{MediaType: "video/mp4", Data: []byte{0, 1}}}},
		{"no media", &fakeAnalyzer{judgment: genai.Judgment{Verdict: genai.VerdictSupported, Confidence: 1}}, nil},
		{"empty attachment", &fakeAnalyzer{judgment: genai.Judgment{Verdict: genai.VerdictSupported, Confidence: 1}}, []models.Attachment{{MediaType: "image/png"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewGate(tt.analyzer, WithTimeout(20*time.Millisecond))
			if err != nil {
				t.Fatalf("NewGate: %v", err)
			}
			got := g.Validate(context.Background(), tt.media, "damaged")
			if got.Outcome != models.ValidationUncertain {
				t.Errorf("Validate = %+v, want UNCERTAIN", got)
			}
		})
	}
}

// Only a supported verdict can ever approve a claim.
func TestValidateRejectionNeverValid(t *testing.T) {
	g, err := NewGate(&fakeAnalyzer{})
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	for c := 0.0; c <= 1.0; c += 0.05 {
		g.analyzer = &fakeAnalyzer{judgment: genai.Judgment{Verdict: genai.VerdictNotSupported, Confidence: c}}
		if got := g.Validate(context.Background(), photo, "box crushed"); got.Outcome == models.ValidationValid {
			t.Errorf("not_supported with confidence %.2f gave VALID", c)
		}
	}
}

func TestValidateSkipsAnalyzerWithoutEvidence(t *testing.T) {
	a := &fakeAnalyzer{}
	g, _ := NewGate(a)
	g.Validate(context.Background(), nil, "claim")
	if a.calls != 0 {
		t.Errorf("analyzer called %d times for empty evidence", a.calls)
	}
}

func TestNewGateRejectsBadPolicy(t *testing.T) {
	a := &fakeAnalyzer{}
	for _, opts := range [][]Option{
		{WithThresholds(0.3, 0.8)},
		{WithThresholds(0.5, 0.5)},
		{WithThresholds(1.2, 0.3)},
		{WithThresholds(0.8, -0.1)},
		{WithTimeout(0)},
	} {
		if _, err := NewGate(a, opts...); !errors.Is(err, models.ErrInvalidInput) {
			t.Errorf("NewGate(%d opts) err = %v", len(opts), err)
		}
	}
	if _, err := NewGate(nil); err == nil {
		t.Error("expected error for nil analyzer")
	}
}
