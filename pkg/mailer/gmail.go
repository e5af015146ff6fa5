package mailer

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mailyaan/mailyaan/internal/model"
)

const gmailSendURL = "https://gmail.googleapis.com/gmail/v1/users/me/messages/send"

// GmailClient sends mail through the Gmail API with the sender's OAuth
// access token.
type GmailClient struct {
	client *http.Client
	url    string
}

func NewGmailClient() *GmailClient {
	return &GmailClient{
		client: &http.Client{Timeout: 30 * time.Second},
		url:    gmailSendURL,
	}
}

// sendMessageRequest is the payload for the Gmail messages.send API.
type sendMessageRequest struct {
	Raw string `json:"raw"` // base64url-encoded RFC 2822 message
}

// Send delivers one HTML message via the Gmail API. A non-2xx response is an
// error carrying the API's status and body.
func (c *GmailClient) Send(cred model.Credential, from, to, subject, htmlBody string) error {
	if subject == "" {
		subject = "(No Subject)"
	}

	raw := buildMIME(from, to, subject, htmlBody)
	reqBody := sendMessageRequest{
		Raw: base64.URLEncoding.EncodeToString([]byte(raw)),
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gmail API error: %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}

	return nil
}

func buildMIME(from, to, subject, htmlBody string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(htmlBody)

	return b.String()
}
