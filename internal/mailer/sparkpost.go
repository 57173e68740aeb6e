package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

const defaultBaseURL = "https://api.sparkpost.com"

// SparkPost delivers email through the SparkPost transmissions API.
type SparkPost struct {
	apiKey     string
	baseURL    string
	fromEmail  string
	fromName   string
	httpClient *http.Client
}

// NewSparkPost creates a transport. baseURL may be empty for production.
func NewSparkPost(apiKey, baseURL, fromEmail, fromName string) *SparkPost {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &SparkPost{
		apiKey:     apiKey,
		baseURL:    baseURL,
		fromEmail:  fromEmail,
		fromName:   fromName,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Send submits one transmission. A CTA, when present, is appended to the
// HTML body as a button-styled link.
func (s *SparkPost) Send(ctx context.Context, msg domain.EmailMessage) (domain.SendResult, error) {
	html := msg.HTMLBody
	if msg.CTAURL != "" {
		html += ctaButton(msg.CTAURL, msg.CTALabel)
	}

	content := map[string]interface{}{
		"from":    map[string]string{"email": s.fromEmail, "name": s.fromName},
		"subject": msg.Subject,
		"html":    html,
	}
	if msg.TextBody != "" {
		content["text"] = msg.TextBody
	}

	payload := map[string]interface{}{
		"recipients": []map[string]interface{}{
			{"address": map[string]string{"email": msg.To, "name": msg.ToName}},
		},
		"content": content,
		"options": map[string]interface{}{
			"open_tracking":  true,
			"click_tracking": true,
		},
		"metadata": map[string]string{
			"campaign_id": msg.CampaignID,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("marshal transmission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/api/v1/transmissions", bytes.NewReader(body))
	if err != nil {
		return domain.SendResult{}, err
	}
	req.Header.Set("Authorization", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("sparkpost request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.SendResult{}, fmt.Errorf("sparkpost: status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	var result struct {
		Results struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		// An accepted transmission whose body we cannot read is not a
		// success we can record: without the message id the send is
		// untraceable downstream.
		return domain.SendResult{}, fmt.Errorf("sparkpost: decode response: %w", err)
	}

	return domain.SendResult{
		Success:   true,
		MessageID: result.Results.ID,
		SentAt:    time.Now(),
	}, nil
}

func ctaButton(url, label string) string {
	if label == "" {
		label = "Learn more"
	}
	return fmt.Sprintf(`<div style="margin:24px 0;text-align:center">`+
		`<a href="%s" style="background:#2563eb;color:#ffffff;padding:12px 28px;`+
		`border-radius:6px;text-decoration:none;display:inline-block">%s</a></div>`, url, label)
}
