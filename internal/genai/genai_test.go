package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	content string
	noReply bool
	err     error
	last    openai.ChatCompletionNewParams
}

func (m *mockChatService) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.last = params
	if m.err != nil {
		return nil, m.err
	}
	if m.noReply {
		return &openai.ChatCompletion{}, nil
	}
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: m.content}}},
	}, nil
}

func newTestClient(m *mockChatService) *Client {
	return &Client{chat: m, model: openai.ChatModelGPT4oMini, visionModel: openai.ChatModelGPT4o}
}

func TestClassify(t *testing.T) {
	m := &mockChatService{content: `{"intent":"refund_request","confidence":0.92,"order_id":"ord123","reply":""}`}
	c := newTestClient(m)

	got, err := c.Classify(context.Background(), "I want a refund for ORD123", []string{"hi"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Intent != models.IntentRefundRequest || got.OrderID != "ORD123" || got.Confidence != 0.92 {
		t.Errorf("Classify = %+v", got)
	}
	if len(m.last.Messages) != 3 {
		t.Errorf("expected system + history + utterance, got %d messages", len(m.last.Messages))
	}
}

func TestClassifySubscriptionEntities(t *testing.T) {
	m := &mockChatService{content: `{"intent":"SUBSCRIPTION_REQUEST","confidence":0.8,
		"subscription":{"action":"create","items":[{"item":"milk","quantity":2}],"day":"Friday"}}`}
	got, err := newTestClient(m).Classify(context.Background(), "milk every friday", nil)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Subscription.Action != "create" || got.Subscription.Day != "Friday" || len(got.Subscription.Items) != 1 {
		t.Errorf("subscription = %+v", got.Subscription)
	}
}

func TestClassifyFailures(t *testing.T) {
	tests := []struct {
		name string
		mock *mockChatService
	}{
		{"service error", &mockChatService{err: errors.New("service failure")}},
		{"no choices", &mockChatService{noReply: true}},
		{"not json", &mockChatService{content: "refund please"}},
		{"bad confidence", &mockChatService{content: `{"intent":"OTHER","confidence":7}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestClient(tt.mock).Classify(context.Background(), "x", nil)
			if !errors.Is(err, models.ErrExternalService) {
				t.Errorf("expected ErrExternalService, got %v", err)
			}
		})
	}
	_, err := newTestClient(&mockChatService{noReply: true}).Classify(context.Background(), "x", nil)
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
}

func TestAnalyze(t *testing.T) {
	m := &mockChatService{content: `{"verdict":"Supported","confidence":0.85,"explanation":"crushed box"}`}
	media := []models.Attachment{
		{MediaType: "image/jpeg", Data: []byte{0xff, 0xd8}},
		{MediaType: "video/mp4", Filename: "unboxing.mp4", URL: "https://example.com/v.mp4"},
	}
	got, err := newTestClient(m).Analyze(context.Background(), media, "items arrived damaged")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if got.Verdict != VerdictSupported || got.Confidence != 0.85 {
		t.Errorf("Analyze = %+v", got)
	}
	if m.last.Model != openai.ChatModelGPT4o {
		t.Errorf("vision model not used: %v", m.last.Model)
	}
}

func TestAnalyzeWithoutImagesFailsClosed(t *testing.T) {
	tests := []struct {
		name  string
		media []models.Attachment
	}{
		{"video only", []models.Attachment{{MediaType: "video/mp4", Filename: "unboxing.mp4", Data: []byte{0, 0, 0, 1}}}},
		{"pdf only", []models.Attachment{{MediaType: "application/pdf", Filename: "receipt.pdf", URL: "https://example.com/r.pdf"}}},
		{"image without content", []models.Attachment{{MediaType: "image/png"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockChatService{content: `{"verdict":"supported","confidence":0.99,"explanation":"looks bad"}`}
			got, err := newTestClient(m).Analyze(context.Background(), tt.media, "items arrived damaged")
			if !errors.Is(err, models.ErrExternalService) || !errors.Is(err, ErrNoInspectableMedia) {
				t.Fatalf("Analyze err = %v, judgment %+v", err, got)
			}
			if m.last.Model != "" {
				t.Errorf("vision model called for media it cannot see: %v", m.last.Model)
			}
		})
	}
}

func TestImageURL(t *testing.T) {
	if got := imageURL(models.Attachment{MediaType: "image/png", Data: []byte("abc")}); !strings.HasPrefix(got, "data:image/png;base64,") {
		t.Errorf("inline image url = %q", got)
	}
	if got := imageURL(models.Attachment{MediaType: "image/png", URL: "https://x/y.png"}); got != "https://x/y.png" {
		t.Errorf("remote image url = %q", got)
	}
	if got := imageURL(models.Attachment{MediaType: "application/pdf", Data: []byte("x")}); got != "" {
		t.Errorf("pdf produced image url %q", got)
	}
}

func TestNewClient(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error when API key not provided")
	}
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4.1-mini"))
	if err != nil || cli == nil {
		t.Fatalf("NewClient with key = %v, %v", cli, err)
	}
	if cli.model != "gpt-4.1-mini" {
		t.Errorf("model = %s", cli.model)
	}
}
