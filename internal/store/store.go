// Package store provides the SQLite and PostgreSQL persistence used by
// FlowPipe: contacts, conversation state, flow definitions, flow records
// (payments, submissions, bookings), durable jobs, the outbox and inbound
// deduplication.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Opts holds configuration for creating a store.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database path (optionally with query parameters).
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns the database/sql driver name for dsn: "postgres" for
// PostgreSQL URLs and key/value connection strings, "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") || strings.Contains(d, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open creates the store matching dsn.
func Open(dsn string) (Store, error) {
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}

// ContactTx is the transactional view of a single contact. All reads and
// writes made through it commit or roll back together.
type ContactTx interface {
	ContactID() string

	// RecordInbound claims an inbound message id for this contact. It returns
	// false when the id was already claimed by a committed transaction.
	RecordInbound(ctx context.Context, messageID string) (bool, error)
	// EnqueueOutbox queues an outbound message that the sender picks up
	// after commit.
	EnqueueOutbox(ctx context.Context, recipient, kind, payloadJSON, dedupeKey string) (string, error)

	Contact(ctx context.Context) (*models.Contact, error)
	// SetContactField sets a top-level contact field ("name") or a nested
	// custom field ("custom_fields.a.b"). Protected fields are rejected.
	SetContactField(ctx context.Context, path string, value any) error
	// UpdateMemberProfile merges fields into the member profile. Keys may be
	// dotted paths. Protected keys are skipped.
	UpdateMemberProfile(ctx context.Context, fields map[string]any) error
	SetIntervention(ctx context.Context, needed bool, requestedAt *time.Time) error

	// State returns the active conversation state, or nil when idle.
	State(ctx context.Context) (*models.ConversationState, error)
	SaveState(ctx context.Context, state *models.ConversationState) error
	ClearState(ctx context.Context) error

	RecordPayment(ctx context.Context, req models.PaymentRequest) (*models.Payment, error)
	SetPaymentReference(ctx context.Context, paymentID, reference string) error
	// Payment returns one of the contact's payments by id.
	Payment(ctx context.Context, paymentID string) (*models.Payment, error)
	SetPaymentStatus(ctx context.Context, paymentID string, status models.PaymentStatus) error
	RecordSubmission(ctx context.Context, sub models.Submission) (*models.Submission, error)
	RecordBooking(ctx context.Context, req models.BookingRequest) (*models.Booking, error)
	Query(ctx context.Context, q models.Query) ([]any, error)
	UpdateRecords(ctx context.Context, source string, filters, updates map[string]any) (int64, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	JobRepo
	OutboxRepo
	DedupRepo

	// WithContactTx runs fn in a transaction serialized against every other
	// transaction for the same contact.
	WithContactTx(ctx context.Context, contactID string, fn func(tx ContactTx) error) error

	// EnsureContact returns the contact with the given WhatsApp id, creating
	// it when unknown. created reports whether a new row was inserted.
	EnsureContact(ctx context.Context, whatsappID, name string) (contact *models.Contact, created bool, err error)
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	ListContactsNeedingIntervention(ctx context.Context) ([]models.Contact, error)

	GetState(ctx context.Context, contactID string) (*models.ConversationState, error)
	DeleteState(ctx context.Context, contactID string) error

	SaveFlowDefinition(ctx context.Context, flow *models.FlowDefinition) error
	ListFlowDefinitions(ctx context.Context) ([]*models.FlowDefinition, error)
	DeleteFlowDefinitionsExcept(ctx context.Context, keep []string) (int64, error)

	GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error)
	UpdatePaymentStatus(ctx context.Context, paymentID string, status models.PaymentStatus) error
	CreateEvent(ctx context.Context, ev models.Event) (*models.Event, error)
	CreateSermon(ctx context.Context, sm models.Sermon) (*models.Sermon, error)
	CreateMinistry(ctx context.Context, m models.Ministry) (*models.Ministry, error)

	Close() error
}
