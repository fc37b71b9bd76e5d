// Package collab holds the adapters that connect flows to the outside
// world: staff notification channels, the payment provider and the media
// asset store.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// DefaultNotificationExchange is the topic exchange staff alerts are published to.
const DefaultNotificationExchange = "flowpipe.notifications"

// Publisher is the part of an AMQP channel the notifier needs.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes staff notifications to a RabbitMQ topic exchange.
// Each target group gets its own routing key, "staff.<group>"; direct user
// targets go to "staff.users".
type AMQPNotifier struct {
	pub      Publisher
	exchange string
	conn     *amqp.Connection
}

var _ flow.Notifier = (*AMQPNotifier)(nil)

// DialAMQPNotifier connects to url and declares the exchange.
func DialAMQPNotifier(url, exchange string) (*AMQPNotifier, error) {
	if exchange == "" {
		exchange = DefaultNotificationExchange
	}
	conn, err := amqp.DialConfig(url, amqp.Config{Properties: amqp.Table{"connection_name": "flowpipe"}})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp exchange declare %s: %w", exchange, err)
	}
	slog.Info("AMQPNotifier connected", "exchange", exchange)
	n := NewAMQPNotifier(ch, exchange)
	n.conn = conn
	return n, nil
}

// NewAMQPNotifier publishes through an existing channel.
func NewAMQPNotifier(pub Publisher, exchange string) *AMQPNotifier {
	if exchange == "" {
		exchange = DefaultNotificationExchange
	}
	return &AMQPNotifier{pub: pub, exchange: exchange}
}

// Notify publishes one message per routing key.
func (n *AMQPNotifier) Notify(ctx context.Context, note models.Notification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	var keys []string
	for _, g := range note.Groups {
		keys = append(keys, "staff."+routingSegment(g))
	}
	if len(note.Users) > 0 {
		keys = append(keys, "staff.users")
	}
	if len(keys) == 0 {
		return fmt.Errorf("notification has no recipients")
	}

	var errs []error
	for _, key := range keys {
		err := n.pub.PublishWithContext(ctx, n.exchange, key, false, false, amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		})
		if err != nil {
			slog.Error("AMQPNotifier.Notify: publish failed", "key", key, "error", err)
			errs = append(errs, fmt.Errorf("publish %s: %w", key, err))
			continue
		}
		slog.Debug("AMQPNotifier.Notify: published", "key", key, "contactID", note.ContactID)
	}
	return errors.Join(errs...)
}

// Close closes the underlying connection when the notifier owns one.
func (n *AMQPNotifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Close()
}

func routingSegment(group string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(group)), " ", "_")
}

// StaffNotifier delivers notifications to staff over WhatsApp by queueing
// text messages in the outbox. Groups are expanded through the directory;
// users are taken to be WhatsApp numbers.
type StaffNotifier struct {
	outbox    store.OutboxRepo
	directory map[string][]string
}

var _ flow.Notifier = (*StaffNotifier)(nil)

// NewStaffNotifier builds a notifier with a group name to numbers directory.
func NewStaffNotifier(outbox store.OutboxRepo, directory map[string][]string) *StaffNotifier {
	return &StaffNotifier{outbox: outbox, directory: directory}
}

// ParseStaffDirectory reads "Group=num,num;Other=num" into a directory.
func ParseStaffDirectory(s string) (map[string][]string, error) {
	dir := map[string][]string{}
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, nums, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("staff directory entry %q: expected Group=number,...", entry)
		}
		for _, n := range strings.Split(nums, ",") {
			canonical, err := messaging.CanonicalizePhone(strings.TrimSpace(n))
			if err != nil {
				return nil, fmt.Errorf("staff directory group %q: %w", name, err)
			}
			dir[strings.TrimSpace(name)] = append(dir[strings.TrimSpace(name)], canonical)
		}
	}
	return dir, nil
}

// Notify queues one message per distinct recipient.
func (n *StaffNotifier) Notify(ctx context.Context, note models.Notification) error {
	seen := map[string]bool{}
	var recipients []string
	add := func(num string) {
		if num != "" && !seen[num] {
			seen[num] = true
			recipients = append(recipients, num)
		}
	}
	for _, g := range note.Groups {
		members, ok := n.directory[g]
		if !ok {
			slog.Warn("StaffNotifier.Notify: unknown staff group", "group", g)
		}
		for _, m := range members {
			add(m)
		}
	}
	for _, u := range note.Users {
		num, err := messaging.CanonicalizePhone(u)
		if err != nil {
			slog.Warn("StaffNotifier.Notify: skipping user", "user", u, "error", err)
			continue
		}
		add(num)
	}
	if len(recipients) == 0 {
		return fmt.Errorf("notification has no reachable recipients")
	}

	payload, err := json.Marshal(models.TextAction("", note.Text).Envelope())
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	var errs []error
	for _, r := range recipients {
		if _, err := n.outbox.EnqueueOutboxMessage(ctx, r, string(models.MessageText), string(payload), ""); err != nil {
			errs = append(errs, fmt.Errorf("queue notification for %s: %w", r, err))
		}
	}
	slog.Debug("StaffNotifier.Notify: queued", "recipients", len(recipients), "contactID", note.ContactID)
	return errors.Join(errs...)
}

// MultiNotifier fans a notification out to several notifiers.
type MultiNotifier []flow.Notifier

// Notify calls every notifier and joins their errors.
func (m MultiNotifier) Notify(ctx context.Context, note models.Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
