// Package mailer provides the delivery transports: direct SMTP and the Gmail
// REST API. Each Send makes exactly one attempt and reports one result.
package mailer

import (
	"gopkg.in/mail.v2"

	"github.com/mailyaan/mailyaan/internal/model"
)

// SMTPClient sends mail through the sender's own SMTP account.
type SMTPClient struct{}

func NewSMTPClient() *SMTPClient {
	return &SMTPClient{}
}

// Send delivers one HTML message over the credential's SMTP server.
func (c *SMTPClient) Send(cred model.Credential, from, to, subject, htmlBody string) error {
	if subject == "" {
		subject = "(No Subject)"
	}

	message := mail.NewMessage()

	message.SetHeader("From", from)
	message.SetHeader("To", to)
	message.SetHeader("Subject", subject)

	message.SetBody("text/html", htmlBody)

	dialer := mail.NewDialer(cred.SMTPHost, cred.SMTPPort, cred.SMTPUser, cred.SMTPPass)

	return dialer.DialAndSend(message)
}
