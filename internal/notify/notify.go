// Package notify alerts operators and account owners when an account stops
// syncing and when it recovers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/inbucket/html2text"
	gomail "github.com/wneessen/go-mail"
)

// AlertType represents the type of alert.
type AlertType string

const (
	AlertTypeReconnect AlertType = "reconnect"
	AlertTypeError     AlertType = "error"
	AlertTypeRecovery  AlertType = "recovery"
)

// Alert represents a notification alert.
type Alert struct {
	Type         AlertType
	AccountID    string
	AccountEmail string
	Message      string
	Details      string
	Timestamp    time.Time
}

// Config holds notification configuration.
type Config struct {
	WebhookURL string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       []string

	// Cooldown is how long to wait before re-alerting for the same account.
	Cooldown time.Duration
}

// Mailer delivers an alert email.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, html string) error
}

// Notifier sends alert notifications.
type Notifier struct {
	cfg        Config
	httpClient *http.Client
	mailer     Mailer

	mu        sync.Mutex
	lastAlert map[string]time.Time
	failing   map[string]bool
	wg        sync.WaitGroup
}

// New creates a Notifier. Email is sent only when an SMTP host is set.
func New(cfg Config) *Notifier {
	n := &Notifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		lastAlert:  make(map[string]time.Time),
		failing:    make(map[string]bool),
	}
	if cfg.SMTPHost != "" {
		n.mailer = &smtpMailer{cfg: cfg}
	}
	return n
}

// WithMailer replaces the email transport.
func (n *Notifier) WithMailer(m Mailer) *Notifier {
	n.mailer = m
	return n
}

// IsEnabled returns true if any notification channel is configured.
func (n *Notifier) IsEnabled() bool {
	return n.cfg.WebhookURL != "" || n.mailer != nil
}

// AccountFailed alerts that an account failed to sync. Repeated failures
// are suppressed for the cooldown period. It reports whether an alert was
// sent.
func (n *Notifier) AccountFailed(ctx context.Context, accountID, email, reason string, reconnect bool) bool {
	if !n.IsEnabled() {
		return false
	}

	n.mu.Lock()
	if n.failing[accountID] {
		if last, ok := n.lastAlert[accountID]; ok && time.Since(last) < n.cfg.Cooldown {
			n.mu.Unlock()
			return false
		}
	}
	n.failing[accountID] = true
	n.lastAlert[accountID] = time.Now()
	n.mu.Unlock()

	alert := Alert{
		Type:         AlertTypeError,
		AccountID:    accountID,
		AccountEmail: email,
		Message:      fmt.Sprintf("Calendar sync failed for %s", email),
		Details:      reason,
		Timestamp:    time.Now(),
	}
	if reconnect {
		alert.Type = AlertTypeReconnect
		alert.Message = fmt.Sprintf("Calendar account %s must be reconnected", email)
	}

	n.dispatch(ctx, alert)
	return true
}

// AccountRecovered alerts that a previously failing account synced again.
func (n *Notifier) AccountRecovered(ctx context.Context, accountID, email string) bool {
	n.mu.Lock()
	wasFailing := n.failing[accountID]
	delete(n.failing, accountID)
	delete(n.lastAlert, accountID)
	n.mu.Unlock()

	if !wasFailing || !n.IsEnabled() {
		return false
	}

	n.dispatch(ctx, Alert{
		Type:         AlertTypeRecovery,
		AccountID:    accountID,
		AccountEmail: email,
		Message:      fmt.Sprintf("Calendar sync recovered for %s", email),
		Details:      "The account is syncing normally again",
		Timestamp:    time.Now(),
	})
	return true
}

// Forget drops alert state for a deleted account.
func (n *Notifier) Forget(accountID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.failing, accountID)
	delete(n.lastAlert, accountID)
}

// Wait blocks until in-flight alerts are delivered.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// dispatch sends in the background, detached from the caller's deadline.
func (n *Notifier) dispatch(ctx context.Context, alert Alert) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		n.send(ctx, alert)
	}()
}

func (n *Notifier) send(ctx context.Context, alert Alert) {
	if n.cfg.WebhookURL != "" {
		if err := n.sendWebhook(ctx, alert); err != nil {
			log.Printf("[Notify] Webhook error: %v", err)
		}
	}

	if n.mailer == nil {
		return
	}
	recipients := n.recipients(alert.AccountEmail)
	if len(recipients) == 0 {
		return
	}
	html, err := renderEmail(alert)
	if err != nil {
		log.Printf("[Notify] Failed to render email: %v", err)
		return
	}
	subject := "[CRM Calendar] " + sanitizeHeader(alert.Message)
	if err := n.mailer.Send(ctx, recipients, subject, html); err != nil {
		log.Printf("[Notify] Email error: %v", err)
		return
	}
	log.Printf("[Notify] Email sent to %d recipients: %s", len(recipients), subject)
}

// recipients is the account owner plus the configured operators, deduplicated.
func (n *Notifier) recipients(owner string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, addr := range append([]string{owner}, n.cfg.SMTPTo...) {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" || seen[addr] || !isValidEmail(addr) {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}

// WebhookPayload is the JSON payload sent to webhooks.
type WebhookPayload struct {
	AlertType    string `json:"alert_type"`
	AccountID    string `json:"account_id"`
	AccountEmail string `json:"account_email"`
	Message      string `json:"message"`
	Details      string `json:"details"`
	Timestamp    string `json:"timestamp"`
	// Slack-compatible
	Text string `json:"text,omitempty"`
}

func (n *Notifier) sendWebhook(ctx context.Context, alert Alert) error {
	emoji := ""
	switch alert.Type {
	case AlertTypeReconnect:
		emoji = ":warning:"
	case AlertTypeRecovery:
		emoji = ":white_check_mark:"
	case AlertTypeError:
		emoji = ":x:"
	}

	body, err := json.Marshal(WebhookPayload{
		AlertType:    string(alert.Type),
		AccountID:    alert.AccountID,
		AccountEmail: alert.AccountEmail,
		Message:      alert.Message,
		Details:      alert.Details,
		Timestamp:    alert.Timestamp.UTC().Format(time.RFC3339),
		Text:         fmt.Sprintf("%s *%s*\n%s", emoji, alert.Message, alert.Details),
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	log.Printf("[Notify] Webhook sent: %s", alert.Message)
	return nil
}

var emailTemplate = template.Must(template.New("alert").Parse(`<html><body>
<h2>{{.Message}}</h2>
<p>{{.Details}}</p>
<table>
<tr><td>Account</td><td>{{.AccountEmail}}</td></tr>
<tr><td>Account ID</td><td>{{.AccountID}}</td></tr>
<tr><td>Time</td><td>{{.Timestamp.UTC.Format "Mon, 02 Jan 2006 15:04:05 MST"}}</td></tr>
</table>
{{if eq .Type "reconnect"}}<p>Open the CRM and connect the calendar account again to resume syncing.</p>{{end}}
</body></html>`))

func renderEmail(alert Alert) (string, error) {
	var buf bytes.Buffer
	if err := emailTemplate.Execute(&buf, alert); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// smtpMailer sends multipart mail with a plain text part derived from the
// HTML body.
type smtpMailer struct {
	cfg Config
}

func (m *smtpMailer) Send(ctx context.Context, to []string, subject, html string) error {
	text, err := html2text.FromString(html, html2text.Options{PrettyTables: true})
	if err != nil {
		return fmt.Errorf("failed to convert HTML to text: %w", err)
	}

	msg := gomail.NewMsg()
	if err := msg.From(m.cfg.SMTPFrom); err != nil {
		return fmt.Errorf("invalid from address: %w", err)
	}
	if err := msg.To(to...); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	msg.Subject(subject)
	msg.SetDate()
	msg.SetBodyString(gomail.TypeTextPlain, text)
	msg.AddAlternativeString(gomail.TypeTextHTML, html)

	opts := []gomail.Option{gomail.WithPort(m.cfg.SMTPPort), gomail.WithTLSPortPolicy(gomail.TLSOpportunistic)}
	if m.cfg.SMTPPort == 465 {
		opts = append(opts, gomail.WithSSLPort(false))
	}
	if m.cfg.SMTPUsername != "" {
		opts = append(opts, gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(m.cfg.SMTPUsername), gomail.WithPassword(m.cfg.SMTPPassword))
	}

	client, err := gomail.NewClient(m.cfg.SMTPHost, opts...)
	if err != nil {
		return fmt.Errorf("create SMTP client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}

func isValidEmail(addr string) bool {
	parsed, err := mail.ParseAddress(addr)
	return err == nil && parsed.Address == addr
}

// sanitizeHeader strips characters that could inject headers.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
