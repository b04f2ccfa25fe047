// ABOUTME: Transactional email over SMTP using go-mail. Dial-per-send for sporadic order traffic.
// ABOUTME: MailHandler runs sends as "mail.send" jobs; bad payloads and rejected addresses are permanent.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wneessen/go-mail"

	"github.com/maefbyyas/maef-backend/internal/queue"
)

// MailKind is the job kind executed by MailHandler.
const MailKind = "mail.send"

// SMTPConfig holds SMTP connection parameters.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	FromName string
	Username string
	Password string
	TLS      bool
}

// Message is a rendered email ready to send.
type Message struct {
	To      []string
	Subject string
	HTML    string
	Text    string
}

// MailPayload is the job payload of a mail.send job. Either Template (with
// Data) or an explicit Subject and Text must be given.
type MailPayload struct {
	To       []string       `json:"to"`
	Template string         `json:"template,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Subject  string         `json:"subject,omitempty"`
	Text     string         `json:"text,omitempty"`
	HTML     string         `json:"html,omitempty"`
}

// EmailSend sends msg as a plaintext email with an optional HTML alternative.
// Every recipient gets their own To header; there is no persistent SMTP
// connection.
func EmailSend(ctx context.Context, cfg SMTPConfig, msg Message) error {
	if len(msg.To) == 0 {
		return errors.New("email send: no recipients")
	}

	m := mail.NewMsg()
	if err := m.FromFormat(cfg.FromName, cfg.From); err != nil {
		return fmt.Errorf("email send: set from: %w", err)
	}
	if err := m.To(msg.To...); err != nil {
		return fmt.Errorf("email send: set to: %w", err)
	}
	m.Subject(sanitizeSubject(msg.Subject))
	m.SetBodyString(mail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		m.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	if cfg.TLS {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}

	c, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("email send: create client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}

// MailHandler returns the job handler for mail.send.
func MailHandler(cfg SMTPConfig) func(ctx context.Context, payload json.RawMessage) error {
	return func(ctx context.Context, payload json.RawMessage) error {
		msg, err := buildMessage(payload)
		if err != nil {
			return queue.Permanent(err)
		}
		err = EmailSend(ctx, cfg, msg)
		var se *mail.SendError
		if errors.As(err, &se) && !se.IsTemp() &&
			(se.Reason == mail.ErrSMTPRcptTo || se.Reason == mail.ErrSMTPMailFrom) {
			// Rejected recipient or sender: resending cannot succeed.
			return queue.Permanent(err)
		}
		return err
	}
}

// buildMessage validates a mail.send payload and renders its template.
func buildMessage(raw json.RawMessage) (Message, error) {
	var p MailPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Message{}, fmt.Errorf("decode mail payload: %w", err)
	}
	if len(p.To) == 0 {
		return Message{}, errors.New("mail payload needs at least one recipient")
	}
	if p.Template == "" {
		if p.Subject == "" || p.Text == "" {
			return Message{}, errors.New("mail payload needs a template or a subject and text")
		}
		return Message{To: p.To, Subject: p.Subject, HTML: p.HTML, Text: p.Text}, nil
	}
	subject, html, text, err := Render(p.Template, p.Data)
	if err != nil {
		return Message{}, err
	}
	return Message{To: p.To, Subject: subject, HTML: html, Text: text}, nil
}
