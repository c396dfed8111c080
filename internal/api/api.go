// Package api provides the HTTP server for CarePipe.
//
// It exposes the conversation endpoint, evidence upload, subscription
// management, the human review queue, customer summaries and the Twilio
// inbound webhook, all answering with the models.APIResponse envelope.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/CarePipe/internal/messaging"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Default server settings.
const (
	DefaultAddr           = ":8080"
	DefaultRequestTimeout = 60 * time.Second
	DefaultMaxUploadBytes = 10 << 20
	shutdownTimeout       = 10 * time.Second
)

// Conversations runs and inspects customer conversations.
type Conversations interface {
	HandleMessage(ctx context.Context, msg models.Message) (models.Reply, error)
	Conversation(ctx context.Context, id string) (models.ConversationState, error)
}

// Subscriptions manages recurring deliveries.
type Subscriptions interface {
	Create(ctx context.Context, customerID string, items []models.SubscriptionItem, day models.Weekday) (models.Subscription, error)
	Cancel(ctx context.Context, id string) (models.Subscription, error)
	List(ctx context.Context, customerID string) ([]models.Subscription, error)
	Poll(ctx context.Context, customerID string) ([]models.NotificationEvent, error)
}

// Escalations is the human review queue.
type Escalations interface {
	ListPending(ctx context.Context) ([]models.EscalationEntry, error)
	Case(ctx context.Context, caseID string) (models.ResolutionCase, error)
	Assign(ctx context.Context, caseID, reviewerID string) (models.EscalationEntry, error)
	Resolve(ctx context.Context, caseID string, outcome models.ReviewOutcome, reviewerID string) (models.ResolutionCase, error)
}

// Inbound handles messages arriving on a chat channel.
type Inbound interface {
	Receive(ctx context.Context, in messaging.Inbound) (models.Reply, bool, error)
}

// SignatureValidator checks webhook signatures.
type SignatureValidator interface {
	ValidSignature(url string, r *http.Request) bool
}

// Opts holds optional server settings.
type Opts struct {
	Addr           string
	RequestTimeout time.Duration
	MaxUploadBytes int64
	Inbound        Inbound
	Validator      SignatureValidator
	WebhookURL     string // public URL Twilio signs
}

// Option configures the Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithRequestTimeout bounds every request.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RequestTimeout = d }
}

// WithMaxUploadBytes bounds evidence uploads.
func WithMaxUploadBytes(n int64) Option {
	return func(o *Opts) { o.MaxUploadBytes = n }
}

// WithInbound enables the Twilio webhook.
func WithInbound(in Inbound) Option {
	return func(o *Opts) { o.Inbound = in }
}

// WithWebhookSignatures makes the Twilio webhook reject unsigned requests.
// publicURL is the URL Twilio was configured to call.
func WithWebhookSignatures(v SignatureValidator, publicURL string) Option {
	return func(o *Opts) {
		o.Validator = v
		o.WebhookURL = publicURL
	}
}

// Server holds the dependencies of the HTTP API.
type Server struct {
	docs      store.DocumentStore
	conv      Conversations
	subs      Subscriptions
	esc       Escalations
	opts      Opts
	startTime time.Time
}

// NewServer creates a server. All collaborators are required.
func NewServer(docs store.DocumentStore, conv Conversations, subs Subscriptions, esc Escalations, opts ...Option) (*Server, error) {
	if docs == nil || conv == nil || subs == nil || esc == nil {
		return nil, fmt.Errorf("api server needs store, conversations, subscriptions and escalations: %w", models.ErrInvalidInput)
	}
	cfg := Opts{Addr: DefaultAddr, RequestTimeout: DefaultRequestTimeout, MaxUploadBytes: DefaultMaxUploadBytes}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{docs: docs, conv: conv, subs: subs, esc: esc, opts: cfg, startTime: time.Now()}, nil
}

// Routes returns the chi router with middleware and all routes.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.healthHandler)
	r.Post("/webhooks/twilio", s.twilioWebhookHandler)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.opts.RequestTimeout))

		r.Get("/conversations/{id}", s.getConversationHandler)
		r.Post("/conversations/{id}/messages", s.postMessageHandler)
		r.Post("/conversations/{id}/evidence", s.uploadEvidenceHandler)

		r.Post("/subscriptions", s.createSubscriptionHandler)
		r.Post("/subscriptions/{id}/cancel", s.cancelSubscriptionHandler)

		r.Get("/customers", s.listCustomersHandler)
		r.Get("/customers/{id}", s.customerSummaryHandler)
		r.Get("/customers/{id}/subscriptions", s.listSubscriptionsHandler)
		r.Get("/customers/{id}/notifications", s.notificationsHandler)

		r.Get("/escalations", s.listEscalationsHandler)
		r.Post("/escalations/{caseID}/assign", s.assignEscalationHandler)
		r.Post("/escalations/{caseID}/resolve", s.resolveEscalationHandler)
		r.Get("/cases/{caseID}", s.getCaseHandler)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// requestLogger logs each request with its status and duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("Server.request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration", time.Since(start), "requestID", middleware.GetReqID(r.Context()))
	})
}
