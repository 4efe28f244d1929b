// Package notify delivers the welcome message carrying a newly provisioned
// account's credentials.
package notify

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"

	"github.com/skydesk/odoo-provisioner/internal/config"
)

// NotificationError reports a delivery failure. It never affects the record
// outcome; delivery is best effort.
type NotificationError struct {
	Recipient string
	Err       error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("failed to notify %s: %v", e.Recipient, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// Message is the composed welcome mail for one account.
type Message struct {
	Recipient string
	Subject   string
	Body      string
}

const welcomeSubject = "Welcome - your account has been created"

var welcomeTemplate = template.Must(template.New("welcome").Parse(`Hello {{.DisplayName}},

Your account has been created.

Your login details:
- URL: {{.PlatformURL}}
- Username: {{.Login}}
- Password: {{.Password}}
- Role: {{.Role}}

We recommend changing your password on first login.

Best regards,
The administration team
`))

// Mailer composes and sends welcome messages over an authenticated SMTP
// submission. A disabled mailer is a valid state: Notify becomes a no-op
// that still reports success.
type Mailer struct {
	cfg         config.SMTPConfig
	platformURL string
	log         zerolog.Logger
}

func NewMailer(cfg config.SMTPConfig, platformURL string, log zerolog.Logger) *Mailer {
	return &Mailer{cfg: cfg, platformURL: platformURL, log: log}
}

// Compose renders the welcome message. An empty role renders as
// "undefined".
func (m *Mailer) Compose(displayName, recipient, login, secret, role string) (*Message, error) {
	if role == "" {
		role = "undefined"
	}

	var body strings.Builder
	err := welcomeTemplate.Execute(&body, struct {
		DisplayName string
		PlatformURL string
		Login       string
		Password    string
		Role        string
	}{
		DisplayName: displayName,
		PlatformURL: m.platformURL,
		Login:       login,
		Password:    secret,
		Role:        role,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render welcome message: %w", err)
	}

	return &Message{Recipient: recipient, Subject: welcomeSubject, Body: body.String()}, nil
}

// clientOptions builds the submission options. Authentication is offered
// only when a username is configured; unauthenticated relays reject an
// AUTH attempt they never advertised.
func (m *Mailer) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}
	return opts
}

// Notify sends the welcome mail for one provisioned account.
func (m *Mailer) Notify(ctx context.Context, displayName, recipient, login, secret, role string) error {
	if !m.cfg.Enabled {
		m.log.Debug().Str("recipient", recipient).Msg("Mail delivery disabled, skipping notification")
		return nil
	}

	composed, err := m.Compose(displayName, recipient, login, secret, role)
	if err != nil {
		return &NotificationError{Recipient: recipient, Err: err}
	}

	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return &NotificationError{Recipient: recipient, Err: err}
	}
	if err := msg.To(composed.Recipient); err != nil {
		return &NotificationError{Recipient: recipient, Err: err}
	}
	msg.Subject(composed.Subject)
	msg.SetBodyString(mail.TypeTextPlain, composed.Body)

	client, err := mail.NewClient(m.cfg.Host, m.clientOptions()...)
	if err != nil {
		return &NotificationError{Recipient: recipient, Err: err}
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return &NotificationError{Recipient: recipient, Err: err}
	}

	m.log.Info().Str("recipient", recipient).Msg("Welcome mail sent")
	return nil
}
