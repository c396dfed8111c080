// Package genai reaches the external text-understanding and vision-language
// services through the OpenAI chat completions API.
package genai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// ErrNoChoicesReturned is returned when the API answers without any choice.
var ErrNoChoicesReturned = errors.New("no choices returned")

// ErrNoInspectableMedia is returned when none of the evidence can be shown to the vision model.
var ErrNoInspectableMedia = errors.New("no inspectable media")

// chatService is the subset of the OpenAI chat completions service we use.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	VisionModel string
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the model used for intent classification.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithVisionModel sets the model used for evidence analysis.
func WithVisionModel(model string) Option {
	return func(o *Opts) { o.VisionModel = model }
}

// Client classifies utterances and analyzes evidence.
type Client struct {
	chat        chatService
	model       openai.ChatModel
	visionModel openai.ChatModel
}

// NewClient creates a client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       string(openai.ChatModelGPT4oMini),
		VisionModel: string(openai.ChatModelGPT4o),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "visionModel", cfg.VisionModel)
	return &Client{
		chat:        &cli.Chat.Completions,
		model:       openai.ChatModel(cfg.Model),
		visionModel: openai.ChatModel(cfg.VisionModel),
	}, nil
}

// completeJSON runs one JSON-mode completion and decodes the answer into out.
func (c *Client) completeJSON(ctx context.Context, model openai.ChatModel, msgs []openai.ChatCompletionMessageParamUnion, out any) error {
	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:       model,
		Messages:    msgs,
		Temperature: openai.Float(0),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return fmt.Errorf("chat completion: %w: %w", models.ErrExternalService, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return fmt.Errorf("%w: %w", models.ErrExternalService, ErrNoChoicesReturned)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("decode model answer: %w: %w", models.ErrExternalService, err)
	}
	return nil
}

// SubscriptionRequest carries the subscription entities found in an utterance.
type SubscriptionRequest struct {
	Action         string                    `json:"action"` // create, cancel or list
	Items          []models.SubscriptionItem `json:"items"`
	Day            string                    `json:"day"`
	SubscriptionID string                    `json:"subscription_id"`
}

// Classification is the text-understanding service's reading of an utterance.
type Classification struct {
	Intent       models.Intent
	Confidence   float64
	Reply        string
	OrderID      string
	Subscription SubscriptionRequest
}

const classifySystemPrompt = `You are the intake classifier of a customer-support service for an online grocery store.
Classify the customer's latest message into exactly one intent:
ORDER_STATUS, REFUND_REQUEST, DELIVERY_ISSUE, SUBSCRIPTION_REQUEST, WALLET_ISSUE, PAYMENT_PROBLEM, OTHER.
Answer with a JSON object:
{"intent": string, "confidence": number between 0 and 1, "reply": short friendly reply for OTHER,
 "order_id": order id like ORD123 if present else "",
 "subscription": {"action": "create"|"cancel"|"list"|"", "items": [{"item": string, "quantity": integer}], "day": weekday name or "", "subscription_id": string or ""}}`

type classifyAnswer struct {
	Intent       string              `json:"intent"`
	Confidence   float64             `json:"confidence"`
	Reply        string              `json:"reply"`
	OrderID      string              `json:"order_id"`
	Subscription SubscriptionRequest `json:"subscription"`
}

// Classify labels utterance given the earlier customer turns in history.
func (c *Client) Classify(ctx context.Context, utterance string, history []string) (Classification, error) {
	msgs := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(classifySystemPrompt)}
	for _, h := range history {
		msgs = append(msgs, openai.UserMessage(h))
	}
	msgs = append(msgs, openai.UserMessage(utterance))

	var ans classifyAnswer
	if err := c.completeJSON(ctx, c.model, msgs, &ans); err != nil {
		slog.Warn("Client.Classify: classification failed", "error", err)
		return Classification{}, err
	}
	if ans.Confidence < 0 || ans.Confidence > 1 {
		return Classification{}, fmt.Errorf("confidence %v out of range: %w", ans.Confidence, models.ErrExternalService)
	}
	out := Classification{
		Intent:       models.ParseIntent(ans.Intent),
		Confidence:   ans.Confidence,
		Reply:        ans.Reply,
		OrderID:      strings.ToUpper(strings.TrimSpace(ans.OrderID)),
		Subscription: ans.Subscription,
	}
	slog.Debug("Client.Classify: classified", "intent", out.Intent, "confidence", out.Confidence)
	return out, nil
}

// Judgment verdicts.
const (
	VerdictSupported    = "supported"
	VerdictNotSupported = "not_supported"
	VerdictUnclear      = "unclear"
)

// Judgment is the vision-language service's reading of evidence against a claim.
type Judgment struct {
	Verdict     string  `json:"verdict"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation"`
}

const analyzeSystemPrompt = `You review evidence submitted by customers of an online grocery store.
Decide whether the attached media supports the customer's claim (for example damaged, missing or wrong items).
Answer with a JSON object: {"verdict": "supported"|"not_supported"|"unclear", "confidence": number between 0 and 1, "explanation": string}.
The confidence is how sure you are of the verdict.`

// Analyze asks the vision model whether media supports claim. Images are sent
// inline; other media types are described by name only. When no attachment is
// an image the model is not called and ErrNoInspectableMedia is returned.
func (c *Client) Analyze(ctx context.Context, media []models.Attachment, claim string) (Judgment, error) {
	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart("Customer claim: " + claim),
	}
	shown := 0
	for _, a := range media {
		if url := imageURL(a); url != "" {
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}))
			shown++
			continue
		}
		parts = append(parts, openai.TextContentPart(fmt.Sprintf("Attachment %q of type %s could not be shown.", a.Filename, a.MediaType)))
	}
	if shown == 0 {
		slog.Warn("Client.Analyze: no attachment can be shown to the vision model", "attachments", len(media))
		return Judgment{}, fmt.Errorf("%w: %w", models.ErrExternalService, ErrNoInspectableMedia)
	}
	msgs := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(analyzeSystemPrompt),
		openai.UserMessage(parts),
	}

	var j Judgment
	if err := c.completeJSON(ctx, c.visionModel, msgs, &j); err != nil {
		slog.Warn("Client.Analyze: analysis failed", "error", err)
		return Judgment{}, err
	}
	j.Verdict = strings.ToLower(strings.TrimSpace(j.Verdict))
	slog.Debug("Client.Analyze: judged", "verdict", j.Verdict, "confidence", j.Confidence)
	return j, nil
}

func imageURL(a models.Attachment) string {
	if !strings.HasPrefix(a.MediaType, "image/") {
		return ""
	}
	if len(a.Data) > 0 {
		return "data:" + a.MediaType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
	}
	return a.URL
}
