// Package twiliowhatsapp wraps the Twilio API for WhatsApp customer messages in CarePipe.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// WhatsAppPrefix marks a Twilio address as a WhatsApp channel.
const WhatsAppPrefix = "whatsapp:"

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
	api        messageCreator
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sender, with or without the "whatsapp:" prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// messageCreator is the slice of the Twilio REST API the client calls.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

func withAPI(api messageCreator) Option {
	return func(o *Opts) { o.api = api }
}

// Client wraps Twilio REST API for WhatsApp.
type Client struct {
	api       messageCreator
	fromWhats string // "whatsapp:+1234567890"
	validator *twilioClient.RequestValidator
}

// NewClient builds a client from options, falling back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("twiliowhatsapp.NewClient: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	api := cfg.api
	if api == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
		api = rest.Api
	}
	validator := twilioClient.NewRequestValidator(cfg.AuthToken)
	return &Client{
		api:       api,
		fromWhats: WhatsAppAddress(cfg.FromWhats),
		validator: &validator,
	}, nil
}

// WhatsAppAddress adds the WhatsApp channel prefix to a phone number.
func WhatsAppAddress(number string) string {
	if strings.HasPrefix(number, WhatsAppPrefix) {
		return number
	}
	return WhatsAppPrefix + number
}

// PhoneNumber strips the WhatsApp channel prefix from a Twilio address.
func PhoneNumber(address string) string {
	return strings.TrimPrefix(address, WhatsAppPrefix)
}

// SendMessage sends a WhatsApp message using Twilio API.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(WhatsAppAddress(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	msg, err := c.api.CreateMessage(params)
	if err != nil {
		slog.Error("twiliowhatsapp.SendMessage: Twilio call failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	var sid string
	if msg != nil && msg.Sid != nil {
		sid = *msg.Sid
	}
	slog.Debug("twiliowhatsapp.SendMessage: message sent", "to", to, "sid", sid)
	return nil
}

// InboundMessage is the part of a Twilio messaging webhook CarePipe reads.
type InboundMessage struct {
	MessageSid string
	From       string // phone number without the channel prefix
	Body       string
	MediaURLs  []string
	MediaTypes []string
}

// ParseInbound reads a Twilio webhook form. The request form must already be parsed.
func ParseInbound(r *http.Request) (InboundMessage, error) {
	msg := InboundMessage{
		MessageSid: r.PostFormValue("MessageSid"),
		From:       PhoneNumber(r.PostFormValue("From")),
		Body:       strings.TrimSpace(r.PostFormValue("Body")),
	}
	if msg.MessageSid == "" || msg.From == "" {
		return msg, fmt.Errorf("webhook missing MessageSid or From")
	}
	for i := 0; ; i++ {
		url := r.PostFormValue(fmt.Sprintf("MediaUrl%d", i))
		if url == "" {
			break
		}
		msg.MediaURLs = append(msg.MediaURLs, url)
		msg.MediaTypes = append(msg.MediaTypes, r.PostFormValue(fmt.Sprintf("MediaContentType%d", i)))
	}
	if msg.Body == "" && len(msg.MediaURLs) == 0 {
		return msg, fmt.Errorf("webhook carries neither text nor media")
	}
	return msg, nil
}

// ValidSignature checks the X-Twilio-Signature header of a webhook whose
// public URL is url. The request form must already be parsed.
func (c *Client) ValidSignature(url string, r *http.Request) bool {
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return c.validator.Validate(url, params, r.Header.Get("X-Twilio-Signature"))
}
