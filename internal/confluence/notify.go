package confluence

import (
	"context"
	"fmt"
	"time"

	"clearwater/pkg/clients"
	"clearwater/pkg/email"
	"clearwater/pkg/logging"
	"clearwater/pkg/models"
)

// Notifier fans an alert out to subscribed recipients over email. Sends
// go through the email circuit breaker; a failed or suppressed send is
// logged and skipped, never failing the pipeline.
type Notifier struct {
	sender  email.Dispatcher
	breaker *clients.CircuitBreaker
	logger  logging.Logger

	now func() time.Time
}

func NewNotifier(sender email.Dispatcher, breaker *clients.CircuitBreaker, logger logging.Logger) *Notifier {
	return &Notifier{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
		now:     time.Now,
	}
}

// ShouldNotify applies the recipient predicate: email enabled and
// well-formed, severity subscribed, parameter and device filters pass,
// and the send does not fall inside the user's quiet hours.
func (n *Notifier) ShouldNotify(p models.NotificationPreferences, alert *models.Alert) bool {
	if !p.EmailNotifications || !p.EmailValid() {
		return false
	}
	if !p.WantsSeverity(alert.Severity) {
		return false
	}
	if !p.WantsParameter(alert.Parameter) {
		return false
	}
	if !p.WantsDevice(alert.DeviceID) {
		return false
	}
	if p.InQuietHours(n.now()) {
		return false
	}
	return true
}

// FanOut sends the alert to every matching recipient. It returns the ids
// of users the message was actually delivered to and the number of sends
// that failed or were rejected by the breaker.
func (n *Notifier) FanOut(ctx context.Context, alert *models.Alert, users []models.User) (delivered []string, failed int) {
	subject := fmt.Sprintf("[%s] Water quality alert: %s on %s",
		alert.Severity, parameterLabel(alert.Parameter), alert.DeviceID)
	body := renderAlertEmail(alert)

	for _, u := range users {
		if !n.ShouldNotify(u.Preferences, alert) {
			continue
		}

		to := u.Preferences.Email
		err := n.breaker.Call(ctx, func(callCtx context.Context) error {
			return n.sender.SendMail(callCtx, to, subject, body)
		})
		if err != nil {
			failed++
			n.logger.WithError(err).WithFields(logging.Fields{
				"alert_id": alert.ID,
				"user_id":  u.ID,
			}).Warn("alert email delivery failed")
			continue
		}
		delivered = append(delivered, u.ID)
	}
	return delivered, failed
}

func renderAlertEmail(alert *models.Alert) string {
	var detail string
	switch alert.Kind {
	case models.KindTrend:
		detail = fmt.Sprintf("<p>Trend: %s</p>", alert.TrendDirection)
	default:
		if alert.ThresholdValue != nil {
			detail = fmt.Sprintf("<p>Threshold crossed: %.2f</p>", *alert.ThresholdValue)
		}
	}

	return fmt.Sprintf(`<html><body>
<h2>%s alert for %s</h2>
<p>%s</p>
<p>Device: %s<br>Current value: %.2f</p>
%s
<p><strong>Recommended action:</strong> %s</p>
<p>Raised at %s</p>
</body></html>`,
		alert.Severity, parameterLabel(alert.Parameter),
		alert.Message,
		alert.DeviceID, alert.CurrentValue,
		detail,
		alert.RecommendedAction,
		alert.CreatedAt.UTC().Format(time.RFC3339))
}
