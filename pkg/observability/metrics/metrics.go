package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	studiesCreated        atomic.Int64
	studiesCompleted      atomic.Int64
	studiesCancelled      atomic.Int64
	resultsUploaded       atomic.Int64
	resultsRejected       atomic.Int64
	notificationsSent     atomic.Int64
	emailsDelivered       atomic.Int64
	emailsFailed          atomic.Int64
	remindersSent         atomic.Int64
	loginThrottleRejected atomic.Int64
)

func IncStudiesCreated() { studiesCreated.Add(1) }
func IncStudiesCompleted() { studiesCompleted.Add(1) }
func IncStudiesCancelled() { studiesCancelled.Add(1) }
func IncResultsUploaded() { resultsUploaded.Add(1) }
func IncResultsRejected() { resultsRejected.Add(1) }
func IncNotificationsSent() { notificationsSent.Add(1) }
func IncEmailsDelivered() { emailsDelivered.Add(1) }
func IncEmailsFailed() { emailsFailed.Add(1) }
func AddRemindersSent(n int) { remindersSent.Add(int64(n)) }
func IncLoginThrottleRejected() { loginThrottleRejected.Add(1) }

// WritePrometheus renders the counters in Prometheus text format for
// the /metrics endpoint.
func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	counter := func(name, help string, value int64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s counter\n", name)
		fmt.Fprintf(w, "%s %d\n", name, value)
	}

	counter("labcontrol_studies_created_total", "Number of studies registered since process start.", studiesCreated.Load())
	counter("labcontrol_studies_completed_total", "Number of studies completed by result attachment.", studiesCompleted.Load())
	counter("labcontrol_studies_cancelled_total", "Number of studies cancelled.", studiesCancelled.Load())
	counter("labcontrol_results_uploaded_total", "Number of result files accepted and stored.", resultsUploaded.Load())
	counter("labcontrol_results_rejected_total", "Number of result uploads rejected by validation.", resultsRejected.Load())
	counter("labcontrol_notifications_sent_total", "Number of in-app notifications written.", notificationsSent.Load())
	counter("labcontrol_emails_delivered_total", "Number of emails delivered by the notifier.", emailsDelivered.Load())
	counter("labcontrol_emails_failed_total", "Number of emails that exhausted their retries.", emailsFailed.Load())
	counter("labcontrol_reminders_sent_total", "Number of appointment reminders dispatched.", remindersSent.Load())
	counter("labcontrol_login_throttle_rejected_total", "Number of logins rejected by the rate limiter.", loginThrottleRejected.Load())
}

// Handler serves the metrics endpoint.
func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WritePrometheus(w)
	}
}
