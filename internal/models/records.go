package models

import "time"

// PaymentStatus tracks a payment through verification.
type PaymentStatus string

const (
	PaymentPending             PaymentStatus = "pending"
	PaymentPendingVerification PaymentStatus = "pending_verification"
	PaymentCompleted           PaymentStatus = "completed"
	PaymentFailed              PaymentStatus = "failed"
)

// Payment is a giving record captured by a flow.
type Payment struct {
	ID             string        `json:"id"`
	ContactID      string        `json:"contact_id"`
	Amount         float64       `json:"amount"`
	Currency       string        `json:"currency"`
	PaymentType    string        `json:"payment_type"`
	PaymentMethod  string        `json:"payment_method,omitempty"`
	Status         PaymentStatus `json:"status"`
	Reference      string        `json:"reference,omitempty"`
	ProofOfPayment string        `json:"proof_of_payment,omitempty"`
	Notes          string        `json:"notes,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// PaymentRequest carries the resolved values of a payment sub-action.
type PaymentRequest struct {
	ContactID      string
	Amount         float64
	Currency       string
	PaymentType    string
	PaymentMethod  string
	Status         PaymentStatus
	Phone          string
	Email          string
	ProofOfPayment string
	Notes          string
}

// PaymentInitiation is the outcome of asking a gateway to start a payment.
type PaymentInitiation struct {
	Success     bool   `json:"success"`
	PaymentID   string `json:"payment_id,omitempty"`
	Reference   string `json:"reference,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Submission is a free-form request recorded by a flow, e.g. a prayer request.
type Submission struct {
	ID          string    `json:"id"`
	ContactID   string    `json:"contact_id"`
	Text        string    `json:"text"`
	Category    string    `json:"category,omitempty"`
	IsAnonymous bool      `json:"is_anonymous"`
	CreatedAt   time.Time `json:"created_at"`
}

// Event is something contacts can book.
type Event struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	StartsAt  time.Time `json:"starts_at"`
	Location  string    `json:"location,omitempty"`
	Capacity  int       `json:"capacity,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Sermon is a recorded message that flows can list.
type Sermon struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Preacher    string    `json:"preacher,omitempty"`
	SermonDate  time.Time `json:"sermon_date"`
	VideoLink   string    `json:"video_link,omitempty"`
	AudioLink   string    `json:"audio_link,omitempty"`
	Description string    `json:"description,omitempty"`
	IsPublished bool      `json:"is_published"`
	CreatedAt   time.Time `json:"created_at"`
}

// Ministry is a church group contacts can ask about.
type Ministry struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	LeaderName      string    `json:"leader_name,omitempty"`
	ContactInfo     string    `json:"contact_info,omitempty"`
	MeetingSchedule string    `json:"meeting_schedule,omitempty"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
}

// Booking reserves tickets for an event.
type Booking struct {
	ID          string    `json:"id"`
	ContactID   string    `json:"contact_id"`
	EventID     string    `json:"event_id"`
	TicketCount int       `json:"ticket_count"`
	Status      string    `json:"status"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// BookingRequest carries the resolved values of a booking sub-action.
type BookingRequest struct {
	ContactID   string
	EventID     string
	TicketCount int
	Notes       string
}

// Notification is a staff alert produced by a flow.
type Notification struct {
	Groups    []string `json:"groups,omitempty"`
	Users     []string `json:"users,omitempty"`
	Text      string   `json:"text"`
	ContactID string   `json:"contact_id,omitempty"`
	FlowName  string   `json:"flow_name,omitempty"`
	StepName  string   `json:"step_name,omitempty"`
}

// Query describes a read against an external data source.
type Query struct {
	Source  string         `json:"source"`
	Filters map[string]any `json:"filters,omitempty"`
	OrderBy []string       `json:"order_by,omitempty"`
	Limit   int            `json:"limit,omitempty"`
}
