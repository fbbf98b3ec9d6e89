package notifications

import (
	"fmt"
	"net/smtp"
	"strings"
)

// Sender delivers one rendered email.
type Sender interface {
	Send(to, subject, body string) error
}

// SMTPMailer sends through a plain SMTP relay. Authentication is
// optional; lab deployments commonly relay through an internal host
// with no credentials.
type SMTPMailer struct {
	host     string
	port     int
	username string
	password string
	from     string
}

func NewSMTPMailer(host string, port int, username, password, from string) *SMTPMailer {
	return &SMTPMailer{host: host, port: port, username: username, password: password, from: from}
}

func (m *SMTPMailer) Send(to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", m.host, m.port)

	var auth smtp.Auth
	if m.username != "" {
		auth = smtp.PlainAuth("", m.username, m.password, m.host)
	}

	msg := strings.Join([]string{
		"From: " + m.from,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		`Content-Type: text/plain; charset="utf-8"`,
		"",
		body,
	}, "\r\n")

	return smtp.SendMail(addr, auth, m.from, []string{to}, []byte(msg))
}
