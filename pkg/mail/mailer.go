package mail

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/yourusername/social-report-exporter/pkg/model"
)

// Mailer sends report emails over SMTP
type Mailer struct {
	config model.SMTPConfig
	sender gomail.Sender
	dialer *gomail.Dialer
}

// NewMailer creates a mailer for config. The connection is opened per send.
func NewMailer(config model.SMTPConfig) *Mailer {
	return &Mailer{config: config, dialer: newDialer(config)}
}

// NewMailerWithSender creates a mailer that hands messages to sender instead of dialing
func NewMailerWithSender(config model.SMTPConfig, sender gomail.Sender) *Mailer {
	return &Mailer{config: config, sender: sender}
}

func newDialer(config model.SMTPConfig) *gomail.Dialer {
	dialer := gomail.NewDialer(config.Host, config.Port, config.Username, config.Password)

	// Configure TLS
	if config.UseTLS {
		dialer.TLSConfig = &tls.Config{
			InsecureSkipVerify: config.SkipTLSVerify,
			ServerName:         config.Host,
		}
	} else {
		dialer.TLSConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
		dialer.SSL = false
	}
	return dialer
}

// Validate checks the fields needed to send mail
func Validate(config model.SMTPConfig) error {
	switch {
	case config.Host == "":
		return errors.New("SMTP host is required")
	case config.Port == 0:
		return errors.New("SMTP port is required")
	case config.From == "":
		return errors.New("From address is required")
	}
	return nil
}

// Test opens and closes a connection to the SMTP server
func Test(config model.SMTPConfig) error {
	if err := Validate(config); err != nil {
		return err
	}
	closer, err := newDialer(config).Dial()
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	return closer.Close()
}

// SendReport sends body to recipients. data is attached as filename when not empty.
func (m *Mailer) SendReport(recipients model.Recipients, subject, body string, data []byte, filename string) error {
	if err := Validate(m.config); err != nil {
		return err
	}
	if len(recipients.To) == 0 {
		return errors.New("no recipients")
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.config.From)
	msg.SetHeader("To", recipients.To...)
	if len(recipients.CC) > 0 {
		msg.SetHeader("Cc", recipients.CC...)
	}
	if len(recipients.BCC) > 0 {
		msg.SetHeader("Bcc", recipients.BCC...)
	}
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	if len(data) > 0 {
		msg.Attach(filename,
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}),
			gomail.SetHeader(map[string][]string{"Content-Type": {contentType(filename)}}),
		)
	}

	if m.sender != nil {
		if err := gomail.Send(m.sender, msg); err != nil {
			return fmt.Errorf("failed to send email: %w", err)
		}
		return nil
	}
	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func contentType(filename string) string {
	switch {
	case strings.HasSuffix(strings.ToLower(filename), ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(strings.ToLower(filename), ".docx"):
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	}
	return "application/octet-stream"
}

// InterpolateTemplate replaces {{key}} and {{ key }} placeholders with vars.
// Unknown placeholders are left as is.
func InterpolateTemplate(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*4)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v, "{{ "+k+" }}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
