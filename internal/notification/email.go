package notification

import (
	"bytes"
	"fmt"
	"net/smtp"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/implant-monitor/internal/protocol"
	"github.com/smukkama/implant-monitor/internal/telemetry"
	"github.com/smukkama/implant-monitor/pkg/config"
)

// sendFunc matches smtp.SendMail
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

var alertTemplate = template.Must(template.New("alert").Funcs(template.FuncMap{
	"value": telemetry.FormatValue,
	"upper": strings.ToUpper,
	"deref": func(v *float64) float64 { return *v },
}).Parse(`
Implant Sensor {{upper .Severity}}
==========================

Sensor: {{.SensorID}}
Severity: {{.Severity}}
Acceleration (a_total): {{value .ATotal}} m/s²
{{- if .DespUM}}
Micromovement (desp_um): {{value (deref .DespUM)}} μm
{{- end}}
Reading time: {{.Timestamp.Format "2006-01-02 15:04:05 MST"}}
Event ID: {{.EventID}}

{{.Message}}

Please review the patient in the monitoring dashboard.

---
Implant Monitor Notification System
`))

// EmailNotifier sends alert e-mails over SMTP
type EmailNotifier struct {
	config config.SMTPConfig
	send   sendFunc
	logger *zap.Logger
	now    func() time.Time
}

func NewEmailNotifier(cfg config.SMTPConfig, logger *zap.Logger) *EmailNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmailNotifier{
		config: cfg,
		send:   smtp.SendMail,
		logger: logger,
		now:    time.Now,
	}
}

// Subject is the mail subject line for an alert
func Subject(n *protocol.AlertNotification) string {
	return fmt.Sprintf("[%s] Implant sensor %d: %s",
		strings.ToUpper(n.Severity), n.SensorID, n.Message)
}

// Render produces the plain-text body
func Render(n *protocol.AlertNotification) (string, error) {
	var buf bytes.Buffer
	if err := alertTemplate.Execute(&buf, n); err != nil {
		return "", fmt.Errorf("failed to render email template: %w", err)
	}
	return buf.String(), nil
}

// SendAlert e-mails one alert notification
func (e *EmailNotifier) SendAlert(n *protocol.AlertNotification) error {
	body, err := Render(n)
	if err != nil {
		return err
	}
	return e.sendEmail(Subject(n), body)
}

func (e *EmailNotifier) sendEmail(subject, body string) error {
	// Skip sending if SMTP is not configured
	if e.config.Username == "" || e.config.Password == "" {
		e.logger.Info("SMTP not configured, skipping email",
			zap.String("subject", subject),
			zap.String("body", body))
		return nil
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", e.config.From)
	fmt.Fprintf(&msg, "To: %s\r\n", e.config.To)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", e.now().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))

	auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)
	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	if err := e.send(addr, auth, e.config.From, recipients(e.config.To), []byte(msg.String())); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	e.logger.Info("Email sent", zap.String("subject", subject))
	return nil
}

// TestConnection dials the SMTP server
func (e *EmailNotifier) TestConnection() error {
	if e.config.Username == "" {
		return fmt.Errorf("SMTP not configured")
	}

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer client.Close()

	return nil
}

func recipients(to string) []string {
	var out []string
	for _, addr := range strings.Split(to, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
