// Package store provides the document store used by CarePipe.
//
// Every record the service keeps (conversations, cases, escalations,
// subscriptions, orders, payments, customers, jobs and outbox messages) is a
// JSON document addressed by (collection, id). Backends are in-memory, SQLite
// and PostgreSQL; no backend offers transactions, so callers combine keyed
// locks with create-if-absent writes where they need atomicity.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Collection names.
const (
	CollConversations       = "conversations"
	CollConversationArchive = "conversations_archive"
	CollCases               = "cases"
	CollEscalations         = "escalations"
	CollResolutions         = "escalation_resolutions"
	CollSubscriptions       = "subscriptions"
	CollAdvanceMarkers      = "subscription_advances"
	CollOrders              = "orders"
	CollPayments            = "payments"
	CollCustomers           = "customers"
	CollJobs                = "jobs"
	CollOutbox              = "outbox"
	CollInbound             = "inbound_messages"
)

// Filter selects documents whose string fields equal the given values. Keys
// are field names, optionally dotted to reach nested objects ("case.status").
type Filter map[string]string

var fieldPattern = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`)

// Validate rejects field paths that are not plain identifiers.
func (f Filter) Validate() error {
	for k := range f {
		if !fieldPattern.MatchString(k) {
			return fmt.Errorf("filter field %q: %w", k, models.ErrInvalidInput)
		}
	}
	return nil
}

// keys returns the filter fields in a stable order.
func (f Filter) keys() []string {
	ks := make([]string, 0, len(f))
	for k := range f {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}

// DocumentStore is key-based document storage. Get returns models.ErrNotFound
// for a missing document; Create returns models.ErrAlreadyExists when the id
// is taken. Query results are ordered by id.
type DocumentStore interface {
	Get(ctx context.Context, collection, id string) ([]byte, error)
	Put(ctx context.Context, collection, id string, doc []byte) error
	Create(ctx context.Context, collection, id string, doc []byte) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, filter Filter) ([][]byte, error)
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // data source name for the database connection
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL URLs and key=value connection
// strings, and "sqlite3" for anything else (a file path).
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// InMemoryStore keeps documents in process memory. Used by tests and by the
// service when no database is configured.
type InMemoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string][]byte
}

var _ DocumentStore = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{docs: make(map[string]map[string][]byte)}
}

func (s *InMemoryStore) Get(_ context.Context, collection, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, models.ErrNotFound)
	}
	return append([]byte(nil), doc...), nil
}

func (s *InMemoryStore) Put(_ context.Context, collection, id string, doc []byte) error {
	if !json.Valid(doc) {
		return fmt.Errorf("put %s/%s: document is not JSON: %w", collection, id, models.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collection(collection)[id] = append([]byte(nil), doc...)
	return nil
}

func (s *InMemoryStore) Create(_ context.Context, collection, id string, doc []byte) error {
	if !json.Valid(doc) {
		return fmt.Errorf("create %s/%s: document is not JSON: %w", collection, id, models.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.collection(collection)
	if _, exists := c[id]; exists {
		return fmt.Errorf("%s/%s: %w", collection, id, models.ErrAlreadyExists)
	}
	c[id] = append([]byte(nil), doc...)
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs[collection], id)
	return nil
}

func (s *InMemoryStore) Query(_ context.Context, collection string, filter Filter) ([][]byte, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.docs[collection]))
	for id := range s.docs[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out [][]byte
	for _, id := range ids {
		doc := s.docs[collection][id]
		ok, err := matches(doc, filter)
		if err != nil {
			return nil, fmt.Errorf("query %s/%s: %w", collection, id, err)
		}
		if ok {
			out = append(out, append([]byte(nil), doc...))
		}
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) collection(name string) map[string][]byte {
	c, ok := s.docs[name]
	if !ok {
		c = make(map[string][]byte)
		s.docs[name] = c
	}
	return c
}

// matches evaluates filter against a JSON document the way the SQL backends
// do: only string values compare equal.
func matches(doc []byte, filter Filter) (bool, error) {
	if len(filter) == 0 {
		return true, nil
	}
	var root map[string]any
	if err := json.Unmarshal(doc, &root); err != nil {
		return false, err
	}
	for _, k := range filter.keys() {
		var cur any = root
		for _, part := range strings.Split(k, ".") {
			m, ok := cur.(map[string]any)
			if !ok {
				return false, nil
			}
			cur = m[part]
		}
		if v, ok := cur.(string); !ok || v != filter[k] {
			return false, nil
		}
	}
	return true, nil
}
