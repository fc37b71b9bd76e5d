package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

const paymentColumns = `id, contact_id, amount, currency, payment_type, payment_method, status, reference, proof_of_payment, notes, created_at, updated_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.ID, &p.ContactID, &p.Amount, &p.Currency, &p.PaymentType, &p.PaymentMethod,
		&p.Status, &p.Reference, &p.ProofOfPayment, &p.Notes, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// RecordPayment inserts a payment for the transaction's contact.
func (t *contactTx) RecordPayment(ctx context.Context, req models.PaymentRequest) (*models.Payment, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("payment amount must be positive, got %v", req.Amount)
	}
	now := time.Now().UTC()
	p := &models.Payment{
		ID:             uuid.NewString(),
		ContactID:      t.contactID,
		Amount:         req.Amount,
		Currency:       strings.ToUpper(strings.TrimSpace(req.Currency)),
		PaymentType:    req.PaymentType,
		PaymentMethod:  req.PaymentMethod,
		Status:         req.Status,
		ProofOfPayment: req.ProofOfPayment,
		Notes:          req.Notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if p.Currency == "" {
		p.Currency = "USD"
	}
	if p.Status == "" {
		p.Status = models.PaymentPending
	}

	_, err := t.exec(ctx,
		`INSERT INTO payments (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ContactID, p.Amount, p.Currency, p.PaymentType, p.PaymentMethod, p.Status,
		p.Reference, p.ProofOfPayment, p.Notes, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		slog.Error(t.d.name+" RecordPayment failed", "error", err, "contactID", t.contactID)
		return nil, fmt.Errorf("record payment: %w", err)
	}
	slog.Info(t.d.name+" RecordPayment succeeded", "contactID", t.contactID, "paymentID", p.ID, "amount", p.Amount, "currency", p.Currency)
	return p, nil
}

func (t *contactTx) SetPaymentReference(ctx context.Context, paymentID, reference string) error {
	_, err := t.exec(ctx, `UPDATE payments SET reference = ?, updated_at = ? WHERE id = ? AND contact_id = ?`,
		reference, time.Now().UTC(), paymentID, t.contactID)
	if err != nil {
		return fmt.Errorf("set payment reference: %w", err)
	}
	return nil
}

func (t *contactTx) Payment(ctx context.Context, paymentID string) (*models.Payment, error) {
	p, err := scanPayment(t.queryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = ? AND contact_id = ?`, paymentID, t.contactID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", paymentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (t *contactTx) SetPaymentStatus(ctx context.Context, paymentID string, status models.PaymentStatus) error {
	result, err := t.exec(ctx, `UPDATE payments SET status = ?, updated_at = ? WHERE id = ? AND contact_id = ?`,
		status, time.Now().UTC(), paymentID, t.contactID)
	if err != nil {
		slog.Error(t.d.name+" SetPaymentStatus failed", "error", err, "contactID", t.contactID, "paymentID", paymentID)
		return fmt.Errorf("set payment status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("payment %s: %w", paymentID, ErrNotFound)
	}
	return nil
}

// GetPaymentByReference finds a payment by gateway reference or by id.
func (s *sqlBase) GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error) {
	p, err := scanPayment(s.conn().queryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE reference = ? OR id = ? ORDER BY created_at DESC LIMIT 1`,
		reference, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", reference, ErrNotFound)
	}
	if err != nil {
		slog.Error(s.d.name+" GetPaymentByReference failed", "error", err, "reference", reference)
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (s *sqlBase) UpdatePaymentStatus(ctx context.Context, paymentID string, status models.PaymentStatus) error {
	result, err := s.conn().exec(ctx, `UPDATE payments SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), paymentID)
	if err != nil {
		slog.Error(s.d.name+" UpdatePaymentStatus failed", "error", err, "paymentID", paymentID)
		return fmt.Errorf("update payment status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("payment %s: %w", paymentID, ErrNotFound)
	}
	slog.Debug(s.d.name+" UpdatePaymentStatus succeeded", "paymentID", paymentID, "status", status)
	return nil
}

// RecordSubmission stores a free-form request from the contact.
func (t *contactTx) RecordSubmission(ctx context.Context, sub models.Submission) (*models.Submission, error) {
	if strings.TrimSpace(sub.Text) == "" {
		return nil, fmt.Errorf("submission text is empty")
	}
	sub.ID = uuid.NewString()
	sub.ContactID = t.contactID
	sub.CreatedAt = time.Now().UTC()
	_, err := t.exec(ctx,
		`INSERT INTO submissions (id, contact_id, text, category, is_anonymous, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.ContactID, sub.Text, sub.Category, sub.IsAnonymous, sub.CreatedAt,
	)
	if err != nil {
		slog.Error(t.d.name+" RecordSubmission failed", "error", err, "contactID", t.contactID)
		return nil, fmt.Errorf("record submission: %w", err)
	}
	slog.Info(t.d.name+" RecordSubmission succeeded", "contactID", t.contactID, "submissionID", sub.ID, "category", sub.Category)
	return &sub, nil
}

// RecordBooking books tickets for an existing event.
func (t *contactTx) RecordBooking(ctx context.Context, req models.BookingRequest) (*models.Booking, error) {
	if req.TicketCount <= 0 {
		req.TicketCount = 1
	}
	var title string
	err := t.queryRow(ctx, `SELECT title FROM events WHERE id = ?`, req.EventID).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", req.EventID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("look up event: %w", err)
	}

	b := &models.Booking{
		ID:          uuid.NewString(),
		ContactID:   t.contactID,
		EventID:     req.EventID,
		TicketCount: req.TicketCount,
		Status:      "confirmed",
		Notes:       req.Notes,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = t.exec(ctx,
		`INSERT INTO bookings (id, contact_id, event_id, ticket_count, status, notes, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ContactID, b.EventID, b.TicketCount, b.Status, b.Notes, b.CreatedAt,
	)
	if err != nil {
		slog.Error(t.d.name+" RecordBooking failed", "error", err, "contactID", t.contactID, "eventID", req.EventID)
		return nil, fmt.Errorf("record booking: %w", err)
	}
	slog.Info(t.d.name+" RecordBooking succeeded", "contactID", t.contactID, "bookingID", b.ID, "event", title)
	return b, nil
}

// CreateEvent stores a bookable event.
func (s *sqlBase) CreateEvent(ctx context.Context, ev models.Event) (*models.Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.CreatedAt = time.Now().UTC()
	_, err := s.conn().exec(ctx,
		`INSERT INTO events (id, title, starts_at, location, capacity, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Title, ev.StartsAt.UTC(), ev.Location, ev.Capacity, ev.CreatedAt,
	)
	if err != nil {
		slog.Error(s.d.name+" CreateEvent failed", "error", err, "title", ev.Title)
		return nil, fmt.Errorf("create event: %w", err)
	}
	return &ev, nil
}

// CreateSermon stores a sermon.
func (s *sqlBase) CreateSermon(ctx context.Context, sm models.Sermon) (*models.Sermon, error) {
	if sm.ID == "" {
		sm.ID = uuid.NewString()
	}
	sm.CreatedAt = time.Now().UTC()
	_, err := s.conn().exec(ctx,
		`INSERT INTO sermons (id, title, preacher, sermon_date, video_link, audio_link, description, is_published, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sm.ID, sm.Title, sm.Preacher, sm.SermonDate.UTC(), sm.VideoLink, sm.AudioLink, sm.Description, sm.IsPublished, sm.CreatedAt,
	)
	if err != nil {
		slog.Error(s.d.name+" CreateSermon failed", "error", err, "title", sm.Title)
		return nil, fmt.Errorf("create sermon: %w", err)
	}
	return &sm, nil
}

// CreateMinistry stores a ministry.
func (s *sqlBase) CreateMinistry(ctx context.Context, m models.Ministry) (*models.Ministry, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = time.Now().UTC()
	_, err := s.conn().exec(ctx,
		`INSERT INTO ministries (id, name, description, leader_name, contact_info, meeting_schedule, is_active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.Description, m.LeaderName, m.ContactInfo, m.MeetingSchedule, m.IsActive, m.CreatedAt,
	)
	if err != nil {
		slog.Error(s.d.name+" CreateMinistry failed", "error", err, "name", m.Name)
		return nil, fmt.Errorf("create ministry: %w", err)
	}
	return &m, nil
}
