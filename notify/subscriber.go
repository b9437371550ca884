package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/songzhibin97/ticketflow/events"
	"github.com/songzhibin97/ticketflow/metrics"
	"github.com/songzhibin97/ticketflow/types"
	"go.uber.org/zap"
)

// FormLookup resolves the form of an event.
type FormLookup interface {
	GetForm(ctx context.Context, id uint64) (types.Form, error)
}

// Subscriber turns engine events into e-mails. Delivery is best-effort:
// failures are logged and counted, never returned to the bus.
type Subscriber struct {
	notifier  Notifier
	forms     FormLookup
	defaultTo []string
	logger    *zap.Logger
}

// NewSubscriber creates a Subscriber. defaultTo receives stage mails for
// forms without their own recipients.
func NewSubscriber(n Notifier, forms FormLookup, defaultTo []string, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{notifier: n, forms: forms, defaultTo: clean(defaultTo), logger: logger}
}

// EventTypes lists the events the subscriber handles.
func (s *Subscriber) EventTypes() []string {
	return []string{events.ProcessStarted, events.StepSubmitted}
}

// Handle implements events.EventHandler.
func (s *Subscriber) Handle(ctx context.Context, ev events.Event) error {
	form, err := s.forms.GetForm(ctx, ev.FormID)
	if err != nil {
		s.logger.Warn("notification skipped: form lookup failed", zap.Uint64("form_id", ev.FormID), zap.Error(err))
		return nil
	}

	var to []string
	var subject, body string
	switch ev.Type {
	case events.ProcessStarted:
		to = clean(form.NotifyEmails)
		subject, body = SubmissionMessage(form.Name, ev)
	case events.StepSubmitted:
		to = clean(form.NotifyEmails)
		if len(to) == 0 {
			to = s.defaultTo
		}
		subject, body = StageMessage(form.Name, ev)
	default:
		return nil
	}
	if len(to) == 0 {
		return nil
	}

	if err := s.notifier.Notify(ctx, to, subject, body); err != nil {
		metrics.NotificationsSent.WithLabelValues(ev.Type, "failed").Inc()
		s.logger.Warn("notification failed",
			zap.String("event", ev.Type),
			zap.String("ref_id", ev.RefID),
			zap.Strings("to", to),
			zap.Error(err),
		)
		return nil
	}
	metrics.NotificationsSent.WithLabelValues(ev.Type, "sent").Inc()
	return nil
}

// SubmissionMessage builds the mail sent when a process is started.
func SubmissionMessage(formName string, ev events.Event) (string, string) {
	lines := []string{"Ref: " + ev.RefID}
	for _, a := range ev.Answers {
		lines = append(lines, fmt.Sprintf("%s: %s", a.Label, a.Value))
	}
	return "New submission for: " + formName, strings.Join(lines, "\n")
}

// StageMessage builds the mail sent after a step decision.
func StageMessage(formName string, ev events.Event) (string, string) {
	subject := fmt.Sprintf("[GRC] %s: %s - %s", ev.StepTitle, strings.ToUpper(string(ev.Decision)), formName)
	lines := []string{
		"Ref: " + ev.RefID,
		"Stage: " + ev.StepTitle,
		"Decision: " + string(ev.Decision),
		"By: " + ev.Actor,
		"",
	}
	if ev.Comment != "" {
		lines = append(lines, "Comment: "+ev.Comment, "")
	}
	for _, a := range ev.Answers {
		lines = append(lines, fmt.Sprintf("%s: %s", a.Label, a.Value))
	}
	return subject, strings.Join(lines, "\n")
}

func clean(addrs []string) []string {
	var out []string
	for _, a := range addrs {
		for _, part := range strings.Split(a, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
