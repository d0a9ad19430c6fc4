package linkcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"portal-auth/internal/httpx"
)

const (
	DefaultPostmarkURL = "https://api.postmarkapp.com"

	postmarkRetries    = 2
	postmarkRetryDelay = 500 * time.Millisecond
)

var linkCodeTemplate = template.Must(template.New("link_code").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Your portal link code</title></head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;">
<h1 style="font-size: 20px;">Link your subscription</h1>
<p>Enter this code on the portal to attach your subscription to your account:</p>
<p style="font-size: 28px; font-weight: 600; letter-spacing: 6px;">{{.Code}}</p>
<p style="color: #666;">The code expires in {{.Minutes}} minutes. If you did not ask for it, ignore this email.</p>
</body>
</html>`))

type postmarkRequest struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody,omitempty"`
	TextBody string `json:"TextBody,omitempty"`
}

type postmarkResponse struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

// PostmarkMailer sends link codes through the Postmark email API.
type PostmarkMailer struct {
	token   string
	from    string
	baseURL string
	ttl     time.Duration
	client  *http.Client
}

// NewPostmarkMailer returns a mailer posting to baseURL (DefaultPostmarkURL
// when empty). ttl is quoted in the message body.
func NewPostmarkMailer(serverToken, from, baseURL string, ttl time.Duration, client *http.Client) *PostmarkMailer {
	if baseURL == "" {
		baseURL = DefaultPostmarkURL
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &PostmarkMailer{
		token:   serverToken,
		from:    from,
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
		client:  client,
	}
}

func (p *PostmarkMailer) SendLinkCode(ctx context.Context, email, code string) error {
	minutes := int(p.ttl.Minutes())

	var html bytes.Buffer
	if err := linkCodeTemplate.Execute(&html, struct {
		Code    string
		Minutes int
	}{code, minutes}); err != nil {
		return fmt.Errorf("render link code email: %w", err)
	}

	body, err := json.Marshal(postmarkRequest{
		From:     p.from,
		To:       email,
		Subject:  "Your portal link code",
		HtmlBody: html.String(),
		TextBody: fmt.Sprintf("Your portal link code is %s\n\nIt expires in %d minutes. If you did not ask for it, ignore this email.", code, minutes),
	})
	if err != nil {
		return fmt.Errorf("marshal postmark request: %w", err)
	}

	status, resp, err := httpx.RequestJSON(ctx, p.client, http.MethodPost, p.baseURL+"/email", body, map[string]string{
		"Accept":                  "application/json",
		"X-Postmark-Server-Token": p.token,
	}, postmarkRetries, postmarkRetryDelay)
	if err != nil {
		return fmt.Errorf("postmark request failed: %w", err)
	}
	if status != http.StatusOK {
		var pm postmarkResponse
		_ = json.Unmarshal(resp, &pm)
		return fmt.Errorf("postmark error (HTTP %d): code=%d message=%s", status, pm.ErrorCode, pm.Message)
	}
	return nil
}
