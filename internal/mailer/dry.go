package mailer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// Dry is a transport that delivers nothing. Every send succeeds with a
// synthetic message id. Used when no provider credentials are configured,
// so the engine can be exercised end to end locally.
type Dry struct{}

func (Dry) Send(_ context.Context, msg domain.EmailMessage) (domain.SendResult, error) {
	logger.Info("dry-run send", "to", msg.To, "subject", msg.Subject, "campaign", msg.CampaignID)
	return domain.SendResult{
		Success:   true,
		MessageID: "dry-" + uuid.New().String(),
		SentAt:    time.Now(),
	}, nil
}
