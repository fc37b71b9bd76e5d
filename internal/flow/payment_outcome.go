package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/template"
)

// HandlePaymentOutcome applies a gateway callback for the payment with the
// given reference and tells the contact. The status change and the message
// commit together in the contact's transaction, so a failed callback can be
// retried. Repeated callbacks with the same status change nothing.
func (p *Processor) HandlePaymentOutcome(ctx context.Context, reference string, status models.PaymentStatus) error {
	if status != models.PaymentCompleted && status != models.PaymentFailed {
		return fmt.Errorf("unsupported payment status %q", status)
	}
	found, err := p.store.GetPaymentByReference(ctx, reference)
	if err != nil {
		return err
	}

	changed := false
	err = p.store.WithContactTx(ctx, found.ContactID, func(tx store.ContactTx) error {
		payment, err := tx.Payment(ctx, found.ID)
		if err != nil {
			return err
		}
		if payment.Status == status {
			return nil
		}
		if err := tx.SetPaymentStatus(ctx, payment.ID, status); err != nil {
			return err
		}
		contact, err := tx.Contact(ctx)
		if err != nil {
			return fmt.Errorf("load contact of payment %s: %w", payment.ID, err)
		}
		msg := models.TextAction(contact.WhatsAppID, paymentOutcomeText(payment, status))
		body, err := encodeOutbound(msg)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("payment:%s:%s", payment.ID, status)
		if _, err := tx.EnqueueOutbox(ctx, contact.WhatsAppID, string(msg.MessageType), body, key); err != nil {
			return fmt.Errorf("queue payment outcome message: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		slog.Error("Processor.HandlePaymentOutcome: update failed", "paymentID", found.ID, "contactID", found.ContactID, "status", status, "error", err)
		return err
	}
	if !changed {
		slog.Info("Processor.HandlePaymentOutcome: status unchanged, skipping", "paymentID", found.ID, "status", status)
		return nil
	}
	slog.Info("Processor.HandlePaymentOutcome: payment updated", "paymentID", found.ID, "contactID", found.ContactID, "status", status)
	return nil
}

func paymentOutcomeText(payment *models.Payment, status models.PaymentStatus) string {
	amount := template.Stringify(payment.Amount)
	if status == models.PaymentCompleted {
		return fmt.Sprintf("Thank you! Your payment of %s %s has been received.\n\nYour transaction ID is: %s", amount, payment.Currency, payment.ID)
	}
	return fmt.Sprintf("Unfortunately your payment of %s %s could not be completed. Type 'give' to try again.", amount, payment.Currency)
}
