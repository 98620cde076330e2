// Package email sends plain notification mail via SMTP.
package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/smtp"
	"strings"
	"time"

	"eos/api/internal/util"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Sender delivers one message. Service is the SMTP implementation.
type Sender interface {
	IsConfigured() bool
	Send(ctx context.Context, to []string, subject, text, html string) error
}

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

// NewService creates a new email service
func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// Send delivers a multipart message with a plain text and an HTML part.
// smtp.SendMail does not take a context; ctx is only checked before dialing.
func (s *Service) Send(ctx context.Context, to []string, subject, text, html string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return smtp.SendMail(s.server, s.auth, s.config.From, to, s.buildMessage(to, subject, text, html))
}

func (s *Service) buildMessage(to []string, subject, text, html string) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	boundary := "eos-" + util.NewID("")

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", text)
	fmt.Fprintf(&msg, "\r\n")

	if html != "" {
		fmt.Fprintf(&msg, "--%s\r\n", boundary)
		fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
		fmt.Fprintf(&msg, "\r\n")
		fmt.Fprintf(&msg, "%s\r\n", html)
		fmt.Fprintf(&msg, "\r\n")
	}
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

type executor interface {
	Execute(w io.Writer, data any) error
}

func renderTemplate(tmpl executor, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
