package flow

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/template"
)

// actions runs sub-actions in order. A failing or unknown sub-action is
// logged and skipped; only switch_flow stops the list.
func (x *execution) actions(items []models.ActionItem) {
	for i, item := range items {
		kind := item.ActionType.Canonical()
		var err error
		switch kind {
		case models.ActionSetContextVariable:
			x.res.Context[item.VariableName] = x.resolve(item.ValueTemplate)
		case models.ActionUpdateContactField:
			err = x.updateContactField(item)
		case models.ActionUpdateMemberProfile:
			err = x.updateMemberProfile(item)
		case models.ActionRecordPayment:
			err = x.recordPayment(item)
		case models.ActionInitiatePayment:
			err = x.initiatePayment(item)
		case models.ActionRecordSubmission:
			err = x.recordSubmission(item)
		case models.ActionRecordEventBooking:
			err = x.recordBooking(item)
		case models.ActionSendAdminNotification:
			text := strings.TrimSpace(x.resolveString(item.MessageTemplate))
			if text == "" {
				err = fmt.Errorf("notification text resolved to empty")
				break
			}
			x.notify(text, item.NotifyGroups, item.NotifyUsers)
		case models.ActionQueryModel:
			err = x.queryModel(item)
		case models.ActionUpdateModelRecord:
			err = x.updateModelRecord(item)
		case models.ActionSwitchFlow:
			initial := map[string]any{}
			if resolved, ok := x.resolve(item.InitialContextTemplate).(map[string]any); ok {
				initial = resolved
			}
			x.emit(models.OutputAction{
				Type:           models.OutputSwitchFlow,
				TargetFlow:     strings.TrimSpace(x.resolveString(item.TargetFlowName)),
				InitialContext: initial,
			})
			slog.Info("Executor.actions: switch_flow stops remaining actions", "step", x.req.Step.Name, "index", i, "remaining", len(items)-i-1)
			return
		default:
			slog.Warn("Executor.actions: unknown action type, skipping", "flow", x.flowName(), "step", x.req.Step.Name, "index", i, "type", item.ActionType)
			continue
		}
		if err != nil {
			slog.Error("Executor.actions: action failed", "flow", x.flowName(), "step", x.req.Step.Name, "index", i, "type", kind, "contact", x.contactID(), "error", err)
		}
	}
}

// refreshContact reloads the contact so later templates see the update.
func (x *execution) refreshContact() {
	c, err := x.sess.Contact(x.ctx)
	if err != nil {
		slog.Warn("Executor.refreshContact failed", "contact", x.contactID(), "error", err)
		return
	}
	x.res.Contact = c
}

func (x *execution) updateContactField(item models.ActionItem) error {
	if err := x.sess.SetContactField(x.ctx, item.FieldPath, x.resolve(item.ValueTemplate)); err != nil {
		return err
	}
	x.refreshContact()
	return nil
}

func (x *execution) updateMemberProfile(item models.ActionItem) error {
	fields, ok := x.resolve(item.FieldsToUpdate).(map[string]any)
	if !ok || len(fields) == 0 {
		return fmt.Errorf("fields_to_update resolved to nothing")
	}
	if err := x.sess.UpdateMemberProfile(x.ctx, fields); err != nil {
		return err
	}
	x.refreshContact()
	return nil
}

func (x *execution) paymentRequest(item models.ActionItem) (models.PaymentRequest, error) {
	raw := strings.TrimSpace(x.resolveString(item.AmountTemplate))
	amount, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
	if err != nil {
		return models.PaymentRequest{}, fmt.Errorf("invalid amount %q", raw)
	}
	paymentType := x.resolveString(item.PaymentTypeTemplate)
	if paymentType == "" {
		paymentType = "other"
	}
	return models.PaymentRequest{
		ContactID:      x.contactID(),
		Amount:         amount,
		Currency:       x.resolveString(item.CurrencyTemplate),
		PaymentType:    paymentType,
		PaymentMethod:  x.resolveString(item.PaymentMethodTemplate),
		Status:         models.PaymentStatus(x.resolveString(item.StatusTemplate)),
		Phone:          x.resolveString(item.PhoneNumberTemplate),
		Email:          x.resolveString(item.EmailTemplate),
		ProofOfPayment: x.resolveString(item.ProofOfPaymentTemplate),
		Notes:          x.resolveString(item.NotesTemplate),
	}, nil
}

// recordPayment stores the payment and, unless it awaits verification,
// confirms it to the contact.
func (x *execution) recordPayment(item models.ActionItem) error {
	req, err := x.paymentRequest(item)
	if err != nil {
		x.res.Context["payment_recorded"] = false
		return err
	}
	if req.ProofOfPayment != "" {
		req.Status = models.PaymentPendingVerification
	}
	p, err := x.sess.RecordPayment(x.ctx, req)
	if err != nil {
		x.res.Context["payment_recorded"] = false
		return err
	}
	x.res.Context["payment_recorded"] = true
	x.res.Context["last_payment_id"] = p.ID
	if p.Status != models.PaymentPendingVerification {
		x.emit(models.TextAction(x.recipient(), fmt.Sprintf(
			"Thank you for your contribution! We have recorded your %s of %s %s.\n\nYour transaction ID is: %s",
			p.PaymentType, template.Stringify(p.Amount), p.Currency, p.ID,
		)))
	}
	return nil
}

// initiatePayment records a pending payment and asks the gateway to start
// it. The outcome is stored under "payment_initiation".
func (x *execution) initiatePayment(item models.ActionItem) error {
	outcome := map[string]any{"success": false}
	x.res.Context["payment_initiation"] = outcome

	req, err := x.paymentRequest(item)
	if err != nil {
		outcome["error"] = "invalid amount"
		return err
	}
	req.Status = models.PaymentPending
	if x.gateway == nil {
		outcome["error"] = "online payments are not available"
		return fmt.Errorf("no payment gateway configured")
	}
	p, err := x.sess.RecordPayment(x.ctx, req)
	if err != nil {
		outcome["error"] = "could not record payment"
		return err
	}
	outcome["payment_id"] = p.ID

	started, err := x.gateway.InitiatePayment(x.ctx, p, req)
	if err == nil && !started.Success {
		err = fmt.Errorf("gateway declined: %s", started.Error)
	}
	if err != nil {
		outcome["error"] = "the payment provider is unavailable"
		if started.Error != "" {
			outcome["error"] = started.Error
		}
		if _, uerr := x.sess.UpdateRecords(x.ctx, "payments", map[string]any{"id": p.ID}, map[string]any{"status": string(models.PaymentFailed)}); uerr != nil {
			slog.Error("Executor.initiatePayment: mark failed", "payment", p.ID, "error", uerr)
		}
		return err
	}
	if started.Reference != "" {
		if err := x.sess.SetPaymentReference(x.ctx, p.ID, started.Reference); err != nil {
			return err
		}
	}
	outcome["success"] = true
	outcome["reference"] = started.Reference
	outcome["redirect_url"] = started.RedirectURL
	slog.Info("Executor.initiatePayment: payment started", "contact", x.contactID(), "payment", p.ID, "reference", started.Reference)
	return nil
}

func (x *execution) recordSubmission(item models.ActionItem) error {
	sub, err := x.sess.RecordSubmission(x.ctx, models.Submission{
		ContactID:   x.contactID(),
		Text:        strings.TrimSpace(x.resolveString(item.TextTemplate)),
		Category:    x.resolveString(item.CategoryTemplate),
		IsAnonymous: truthy(x.resolve(item.IsAnonymousTemplate)),
	})
	if err != nil {
		x.res.Context["submission_recorded"] = false
		return err
	}
	x.res.Context["submission_recorded"] = true
	x.res.Context["last_submission_id"] = sub.ID
	return nil
}

func (x *execution) recordBooking(item models.ActionItem) error {
	tickets := 1
	if raw := strings.TrimSpace(x.resolveString(item.TicketCountTemplate)); raw != "" {
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil || n < 1 {
			x.res.Context["event_booking_success"] = false
			x.res.Context["event_booking_error"] = "Invalid number of tickets."
			return fmt.Errorf("invalid ticket count %q", raw)
		}
		tickets = int(n)
	}
	b, err := x.sess.RecordBooking(x.ctx, models.BookingRequest{
		ContactID:   x.contactID(),
		EventID:     strings.TrimSpace(x.resolveString(item.EventIDTemplate)),
		TicketCount: tickets,
		Notes:       x.resolveString(item.NotesTemplate),
	})
	if err != nil {
		x.res.Context["event_booking_success"] = false
		x.res.Context["event_booking_error"] = "We could not complete the booking."
		return err
	}
	x.res.Context["event_booking_success"] = true
	x.res.Context["last_booking_id"] = b.ID
	delete(x.res.Context, "event_booking_error")
	return nil
}

// queryModel stores the matching rows under the action's variable. A
// failed query stores an empty list so later conditions see no results.
func (x *execution) queryModel(item models.ActionItem) error {
	q := models.Query{Source: item.Source, OrderBy: item.OrderBy, Limit: item.Limit}
	if filters, ok := x.resolve(item.FiltersTemplate).(map[string]any); ok {
		q.Filters = filters
	}
	rows, err := x.sess.Query(x.ctx, q)
	if err != nil {
		x.res.Context[item.VariableName] = []any{}
		return err
	}
	x.res.Context[item.VariableName] = rows
	slog.Debug("Executor.queryModel", "source", q.Source, "rows", len(rows), "variable", item.VariableName)
	return nil
}

func (x *execution) updateModelRecord(item models.ActionItem) error {
	filters, _ := x.resolve(item.FiltersTemplate).(map[string]any)
	updates, _ := x.resolve(item.UpdatesTemplate).(map[string]any)
	n, err := x.sess.UpdateRecords(x.ctx, item.Source, filters, updates)
	if err != nil {
		return err
	}
	if item.VariableName != "" {
		x.res.Context[item.VariableName] = n
	}
	slog.Debug("Executor.updateModelRecord", "source", item.Source, "updated", n)
	return nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return err == nil && b
	case float64:
		return t != 0
	case int:
		return t != 0
	}
	return false
}
