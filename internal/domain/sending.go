package domain

import "time"

// EmailMessage is the fully-resolved message ready for a transport. By the
// time a message reaches this struct, all personalization is complete.
type EmailMessage struct {
	CampaignID string `json:"campaign_id"`
	To         string `json:"to"`
	ToName     string `json:"to_name"`
	Subject    string `json:"subject"`
	HTMLBody   string `json:"html_body"`
	TextBody   string `json:"text_body"`
	CTAURL     string `json:"cta_url,omitempty"`
	CTALabel   string `json:"cta_label,omitempty"`
}

// SendResult is returned by a transport after attempting delivery.
type SendResult struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
	Error     string    `json:"error,omitempty"`
}
