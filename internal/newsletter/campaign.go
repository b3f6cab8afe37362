package newsletter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/newsletter-engine/internal/pkg/logger"
)

// CampaignService owns the campaign entity and its state machine. Moving a
// campaign into running is the only trigger that creates queue rows, and it
// does so exactly once per campaign.
type CampaignService struct {
	store *Store
}

// NewCampaignService creates a campaign service.
func NewCampaignService(store *Store) *CampaignService {
	return &CampaignService{store: store}
}

// CreateCampaignInput is the admin-facing create payload.
type CreateCampaignInput struct {
	Name       string      `json:"name"`
	Subject    string      `json:"subject"`
	FromName   string      `json:"from_name"`
	FromEmail  string      `json:"from_email"`
	BodyHTML   string      `json:"body_html"`
	BodyText   string      `json:"body_text"`
	TemplateID *uuid.UUID  `json:"template_id"`
	ListIDs    []uuid.UUID `json:"list_ids"`
}

// Create validates the input and stores a draft campaign, attaching any
// target lists given up front.
func (cs *CampaignService) Create(ctx context.Context, in CreateCampaignInput) (*Campaign, error) {
	if in.Name == "" {
		return nil, &ValidationError{Field: "name", Message: "required"}
	}
	if in.Subject == "" {
		return nil, &ValidationError{Field: "subject", Message: "required"}
	}
	if in.BodyHTML == "" && in.TemplateID == nil {
		return nil, &ValidationError{Field: "body", Message: "either body_html or template_id is required"}
	}

	c := &Campaign{
		Name:       in.Name,
		Subject:    in.Subject,
		FromName:   in.FromName,
		FromEmail:  in.FromEmail,
		BodyHTML:   in.BodyHTML,
		BodyText:   in.BodyText,
		TemplateID: in.TemplateID,
		Status:     CampaignDraft,
	}
	if err := cs.store.CreateCampaign(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}

	if len(in.ListIDs) > 0 {
		if err := cs.store.AttachLists(ctx, c.ID, in.ListIDs); err != nil {
			return nil, fmt.Errorf("attach lists: %w", err)
		}
	}
	return c, nil
}

// AttachLists replaces the campaign's target list set. Targets are fixed
// before activation; a running or finished campaign cannot be retargeted.
func (cs *CampaignService) AttachLists(ctx context.Context, campaignID uuid.UUID, listIDs []uuid.UUID) error {
	c, err := cs.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrNotFound
	}
	if c.Status != CampaignDraft && c.Status != CampaignScheduled {
		return &ErrInvalidTransition{From: c.Status, To: c.Status}
	}
	return cs.store.AttachLists(ctx, campaignID, listIDs)
}

// StatusResult reports the outcome of a status change. Enqueued is the
// number of newly created queue rows (zero on a repeat activation).
type StatusResult struct {
	Status   string `json:"status"`
	Enqueued int    `json:"enqueued"`
}

// SetStatus validates and applies a campaign status transition. A
// transition into running enqueues recipients exactly once: if queue rows
// already exist for the campaign the enqueue step is skipped and the result
// reports zero new rows. Repeating the current status is a no-op.
func (cs *CampaignService) SetStatus(ctx context.Context, campaignID uuid.UUID, status string, scheduledAt *time.Time) (*StatusResult, error) {
	c, err := cs.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotFound
	}

	if c.Status == status {
		return &StatusResult{Status: status, Enqueued: 0}, nil
	}
	if !c.CanTransition(status) {
		return nil, &ErrInvalidTransition{From: c.Status, To: status}
	}
	if status == CampaignScheduled && (scheduledAt == nil || !scheduledAt.After(time.Now())) {
		return nil, &ValidationError{Field: "scheduled_at", Message: "a future scheduled_at is required"}
	}

	enqueued := 0
	if status == CampaignRunning {
		listIDs, err := cs.store.GetCampaignListIDs(ctx, campaignID)
		if err != nil {
			return nil, fmt.Errorf("resolve campaign lists: %w", err)
		}
		if len(listIDs) == 0 {
			return nil, ErrNoRecipients
		}

		already, err := cs.store.HasQueueItems(ctx, campaignID)
		if err != nil {
			return nil, fmt.Errorf("check queue: %w", err)
		}
		if !already {
			enqueued, err = cs.store.EnqueueRecipients(ctx, campaignID, listIDs)
			if err != nil {
				return nil, fmt.Errorf("enqueue recipients: %w", err)
			}
			logger.Info("campaign enqueued", "campaign_id", campaignID, "enqueued", enqueued)
		}
	}

	if err := cs.store.UpdateCampaignStatus(ctx, campaignID, status, scheduledAt); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	return &StatusResult{Status: status, Enqueued: enqueued}, nil
}
