package notifications

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/labcontrol-io/platform/pkg/common/models"
	"gopkg.in/yaml.v3"
)

// templateDef is one message template. Subject doubles as the in-app
// title; Body is rendered with text/template against the event params.
type templateDef struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

// defaultTemplates is the complete event-kind registry. Every
// NotificationType the dispatcher can emit has exactly one entry;
// dispatching an unregistered kind is a programming error surfaced at
// render time, never a silently dropped message.
var defaultTemplates = map[models.NotificationType]templateDef{
	models.NotificationResultReady: {
		Subject: "Results ready for study {{.protocol_number}}",
		Body:    "The results for your {{.practice_name}} study (protocol {{.protocol_number}}) are ready. You can download them from your account.",
	},
	models.NotificationAppointmentConfirmed: {
		Subject: "Appointment confirmed",
		Body:    "Your appointment on {{.scheduled_at}} has been confirmed.",
	},
	models.NotificationAppointmentCancelled: {
		Subject: "Appointment cancelled",
		Body:    "Your appointment on {{.scheduled_at}} has been cancelled.",
	},
	models.NotificationAppointmentReminder: {
		Subject: "Appointment reminder",
		Body:    "This is a reminder of your appointment on {{.scheduled_at}}.",
	},
	models.NotificationPaymentDue: {
		Subject: "Invoice {{.invoice_number}} issued",
		Body:    "Invoice {{.invoice_number}} for {{.amount}} has been issued. The balance due is {{.balance_due}}.",
	},
	models.NotificationPaymentReceived: {
		Subject: "Payment received",
		Body:    "We received your payment of {{.amount}} against invoice {{.invoice_number}}. Thank you.",
	},
}

type Templates struct {
	defs map[models.NotificationType]templateDef
}

func DefaultTemplates() *Templates {
	defs := make(map[models.NotificationType]templateDef, len(defaultTemplates))
	for kind, def := range defaultTemplates {
		defs[kind] = def
	}
	return &Templates{defs: defs}
}

// LoadTemplates starts from the defaults and applies per-kind overrides
// from a YAML file. An empty path returns the defaults untouched.
func LoadTemplates(path string) (*Templates, error) {
	t := DefaultTemplates()
	if path == "" {
		return t, nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var overrides map[models.NotificationType]templateDef
	if err := yaml.Unmarshal(content, &overrides); err != nil {
		return nil, err
	}
	for kind, def := range overrides {
		base := t.defs[kind]
		if def.Subject != "" {
			base.Subject = def.Subject
		}
		if def.Body != "" {
			base.Body = def.Body
		}
		t.defs[kind] = base
	}
	return t, nil
}

// Render produces the subject and body for one event kind.
func (t *Templates) Render(kind models.NotificationType, params map[string]interface{}) (subject, body string, err error) {
	def, ok := t.defs[kind]
	if !ok {
		return "", "", fmt.Errorf("no template registered for notification kind %q", kind)
	}
	subject, err = renderOne("subject", def.Subject, params)
	if err != nil {
		return "", "", err
	}
	body, err = renderOne("body", def.Body, params)
	if err != nil {
		return "", "", err
	}
	return subject, body, nil
}

// Known reports whether a template exists for the kind.
func (t *Templates) Known(kind models.NotificationType) bool {
	_, ok := t.defs[kind]
	return ok
}

func renderOne(name, text string, params map[string]interface{}) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params); err != nil {
		return "", err
	}
	return buf.String(), nil
}
