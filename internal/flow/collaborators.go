// Package flow runs conversations through flow definitions: the step
// executor, the interpreter loop with its fallback handling, the processor
// that wraps one inbound event in a per-contact transaction, and the durable
// job handlers the flows rely on.
package flow

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// Sentinel errors for missing flow references.
var (
	ErrFlowNotFound = errors.New("flow not found")
	ErrStepNotFound = errors.New("step not found")
)

// Contacts reads and updates the contact being processed.
type Contacts interface {
	Contact(ctx context.Context) (*models.Contact, error)
	SetContactField(ctx context.Context, path string, value any) error
	UpdateMemberProfile(ctx context.Context, fields map[string]any) error
	SetIntervention(ctx context.Context, needed bool, requestedAt *time.Time) error
}

// Payments records giving for the contact being processed.
type Payments interface {
	RecordPayment(ctx context.Context, req models.PaymentRequest) (*models.Payment, error)
	SetPaymentReference(ctx context.Context, paymentID, reference string) error
}

// Submissions records free-form requests such as prayer requests.
type Submissions interface {
	RecordSubmission(ctx context.Context, sub models.Submission) (*models.Submission, error)
}

// Bookings records event bookings.
type Bookings interface {
	RecordBooking(ctx context.Context, req models.BookingRequest) (*models.Booking, error)
}

// DataSource is the read/update surface of query_model and
// update_model_record.
type DataSource interface {
	Query(ctx context.Context, q models.Query) ([]any, error)
	UpdateRecords(ctx context.Context, source string, filters, updates map[string]any) (int64, error)
}

// Session is everything a step may touch while the contact's transaction is
// open. Writes made through it commit or roll back with the event.
type Session interface {
	Contacts
	Payments
	Submissions
	Bookings
	DataSource
}

// StateStore persists the conversation state of the contact being processed.
type StateStore interface {
	State(ctx context.Context) (*models.ConversationState, error)
	SaveState(ctx context.Context, state *models.ConversationState) error
	ClearState(ctx context.Context) error
}

// Tx is the transactional view the interpreter runs against.
type Tx interface {
	Session
	StateStore
}

var _ Tx = (store.ContactTx)(nil)

// PaymentGateway starts online payments with an external provider.
type PaymentGateway interface {
	InitiatePayment(ctx context.Context, payment *models.Payment, req models.PaymentRequest) (models.PaymentInitiation, error)
}

// Notifier alerts staff. It is called only after the transaction commits.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// ScheduledJob is a delayed unit of work requested by a step.
type ScheduledJob struct {
	Kind      string
	RunAt     time.Time
	Payload   any
	DedupeKey string
}

// JobScheduler queues delayed work. It is called only after the transaction
// commits.
type JobScheduler interface {
	Schedule(ctx context.Context, job ScheduledJob) (string, error)
}

// AssetResolver turns a stored media asset reference into something the
// messaging layer can send: a provider media id or a fetchable link.
type AssetResolver interface {
	ResolveAsset(ctx context.Context, ref string) (id, link string, err error)
}

// Effects are the fire-and-forget side effects of processing one event.
type Effects struct {
	Notifications []models.Notification
	Jobs          []ScheduledJob
}

func (e *Effects) merge(other Effects) {
	e.Notifications = append(e.Notifications, other.Notifications...)
	e.Jobs = append(e.Jobs, other.Jobs...)
}

// Empty reports whether there is nothing to dispatch.
func (e Effects) Empty() bool {
	return len(e.Notifications) == 0 && len(e.Jobs) == 0
}
