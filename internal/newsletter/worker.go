package newsletter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/newsletter-engine/internal/pkg/logger"
)

// Queue is the slice of the store the delivery worker drains.
type Queue interface {
	PendingQueueItems(ctx context.Context, limit int) ([]*QueueItem, error)
	ClaimQueueItem(ctx context.Context, itemID uuid.UUID) (bool, error)
	MarkQueueItemSent(ctx context.Context, itemID uuid.UUID) error
	ReleaseQueueItem(ctx context.Context, itemID uuid.UUID, sendErr string) error
	UnclaimQueueItem(ctx context.Context, itemID uuid.UUID) error
	FailQueueItem(ctx context.Context, itemID uuid.UUID, sendErr string) error
	PendingCount(ctx context.Context, campaignID uuid.UUID) (int, error)
}

// CampaignSource is the read side the worker needs to render and gate
// deliveries.
type CampaignSource interface {
	GetCampaign(ctx context.Context, campaignID uuid.UUID) (*Campaign, error)
	CampaignStatus(ctx context.Context, campaignID uuid.UUID) (string, error)
	GetSubscriber(ctx context.Context, subscriberID uuid.UUID) (*Subscriber, error)
	GetTemplate(ctx context.Context, templateID uuid.UUID) (*Template, error)
	UpdateCampaignStatus(ctx context.Context, campaignID uuid.UUID, status string, scheduledAt *time.Time) error
}

// Worker drains bounded batches of queued deliveries. It holds no state
// between invocations: an external periodic trigger calls ProcessBatch and
// the worker returns when the batch is done. Overlapping invocations are
// safe because each item is claimed with an atomic conditional update.
type Worker struct {
	queue       Queue
	source      CampaignSource
	renderer    *Renderer
	transport   Transport
	maxAttempts int
	sendTimeout time.Duration
}

// NewWorker creates a delivery worker.
func NewWorker(queue Queue, source CampaignSource, renderer *Renderer, transport Transport, maxAttempts int, sendTimeout time.Duration) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if sendTimeout <= 0 {
		sendTimeout = 30 * time.Second
	}
	return &Worker{
		queue:       queue,
		source:      source,
		renderer:    renderer,
		transport:   transport,
		maxAttempts: maxAttempts,
		sendTimeout: sendTimeout,
	}
}

// Summary reports one batch invocation. Per-item failures are counted, not
// raised; only an unreachable queue store surfaces as an error.
type Summary struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

// campaignContent is the per-campaign state cached across one batch.
type campaignContent struct {
	campaign *Campaign
	body     InlineBody
	sendable bool
}

// ProcessBatch selects up to limit pending items, oldest first, and works
// through them one by one. Each item is atomically claimed
// (pending to processing) before any I/O happens, so a second concurrent
// invocation can never double-send it. Items the batch does not select stay
// pending for the next trigger.
func (w *Worker) ProcessBatch(ctx context.Context, limit int) (*Summary, error) {
	items, err := w.queue.PendingQueueItems(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending items: %w", err)
	}

	summary := &Summary{}
	campaigns := map[uuid.UUID]*campaignContent{}

	for _, item := range items {
		claimed, err := w.queue.ClaimQueueItem(ctx, item.ID)
		if err != nil {
			logger.Error("claim failed", "item_id", item.ID, "error", err)
			continue
		}
		if !claimed {
			// Another invocation took this one.
			continue
		}
		summary.Processed++

		if w.processItem(ctx, item, campaigns) {
			summary.Sent++
		} else {
			summary.Failed++
		}
	}

	w.finishDrainedCampaigns(ctx, campaigns)
	return summary, nil
}

// processItem delivers one claimed item. Returns true when the message was
// accepted by the transport.
func (w *Worker) processItem(ctx context.Context, item *QueueItem, campaigns map[uuid.UUID]*campaignContent) bool {
	content, err := w.campaignContent(ctx, item.CampaignID, campaigns)
	if err != nil {
		w.retryOrFail(ctx, item, err)
		return false
	}
	if !content.sendable {
		// Campaign was flipped out of running between batches; put the
		// item back untouched so a resumed campaign picks it up.
		if err := w.queue.UnclaimQueueItem(ctx, item.ID); err != nil {
			logger.Error("unclaim failed", "item_id", item.ID, "error", err)
		}
		return false
	}

	sub, err := w.source.GetSubscriber(ctx, item.SubscriberID)
	if err != nil {
		w.retryOrFail(ctx, item, err)
		return false
	}
	if sub == nil {
		w.fail(ctx, item, "subscriber not found")
		return false
	}

	c := content.campaign
	rendered := w.renderer.Render(c, content.body, sub, sub.ID.String())

	sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	defer cancel()

	_, err = w.transport.Send(sendCtx, &Message{
		To:           sub.Email,
		ToName:       sub.Name,
		FromName:     c.FromName,
		FromEmail:    c.FromEmail,
		Subject:      rendered.Subject,
		HTML:         rendered.HTML,
		Text:         rendered.Text,
		CampaignID:   c.ID.String(),
		SubscriberID: sub.ID.String(),
	})
	if err != nil {
		if IsPermanent(err) {
			w.fail(ctx, item, err.Error())
		} else {
			w.retryOrFail(ctx, item, err)
		}
		return false
	}

	if err := w.queue.MarkQueueItemSent(ctx, item.ID); err != nil {
		logger.Error("mark sent failed", "item_id", item.ID, "error", err)
	}
	return true
}

// campaignContent loads and caches the campaign and its resolved body for
// the duration of one batch.
func (w *Worker) campaignContent(ctx context.Context, campaignID uuid.UUID, cache map[uuid.UUID]*campaignContent) (*campaignContent, error) {
	if content, ok := cache[campaignID]; ok {
		return content, nil
	}

	c, err := w.source.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("campaign %s not found", campaignID)
	}

	content := &campaignContent{campaign: c, sendable: c.Status == CampaignRunning}
	if content.sendable {
		source, err := c.ResolveBody()
		if err != nil {
			return nil, err
		}
		switch src := source.(type) {
		case InlineBody:
			content.body = src
		case TemplateRef:
			tpl, err := w.source.GetTemplate(ctx, src.ID)
			if err != nil {
				return nil, fmt.Errorf("load template: %w", err)
			}
			if tpl == nil {
				return nil, fmt.Errorf("template %s not found", src.ID)
			}
			content.body = InlineBody{HTML: tpl.BodyHTML, Text: tpl.BodyText}
		}
	}

	cache[campaignID] = content
	return content, nil
}

// retryOrFail handles a transient failure: back to pending until the
// attempts ceiling, then failed for good.
func (w *Worker) retryOrFail(ctx context.Context, item *QueueItem, sendErr error) {
	msg := sendErr.Error()
	if item.Attempts+1 >= w.maxAttempts {
		w.fail(ctx, item, msg)
		return
	}
	if err := w.queue.ReleaseQueueItem(ctx, item.ID, msg); err != nil {
		logger.Error("release failed", "item_id", item.ID, "error", err)
	}
	logger.Warn("delivery deferred", "item_id", item.ID, "attempts", item.Attempts+1, "error", msg)
}

func (w *Worker) fail(ctx context.Context, item *QueueItem, msg string) {
	if err := w.queue.FailQueueItem(ctx, item.ID, msg); err != nil {
		logger.Error("fail-mark failed", "item_id", item.ID, "error", err)
	}
	logger.Warn("delivery failed permanently", "item_id", item.ID, "error", msg)
}

// finishDrainedCampaigns completes any running campaign whose queue the
// batch just drained.
func (w *Worker) finishDrainedCampaigns(ctx context.Context, campaigns map[uuid.UUID]*campaignContent) {
	for id, content := range campaigns {
		if !content.sendable {
			continue
		}
		remaining, err := w.queue.PendingCount(ctx, id)
		if err != nil || remaining > 0 {
			continue
		}
		if err := w.source.UpdateCampaignStatus(ctx, id, CampaignCompleted, nil); err != nil {
			logger.Error("complete campaign failed", "campaign_id", id, "error", err)
			continue
		}
		logger.Info("campaign completed", "campaign_id", id)
	}
}

// TestSendResult reports one recipient of a test send.
type TestSendResult struct {
	Email  string `json:"email"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// TestSend renders the campaign with the synthetic preview subscriber and
// sends directly to the given addresses, bypassing the queue entirely.
func (w *Worker) TestSend(ctx context.Context, c *Campaign, body InlineBody, emails []string) []TestSendResult {
	results := make([]TestSendResult, 0, len(emails))
	for _, email := range emails {
		email = NormalizeEmail(email)
		if email == "" {
			continue
		}

		sub := &Subscriber{Email: email, Name: "Preview"}
		rendered := w.renderer.Render(c, body, sub, PreviewSubscriberID)

		sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
		_, err := w.transport.Send(sendCtx, &Message{
			To:           email,
			FromName:     c.FromName,
			FromEmail:    c.FromEmail,
			Subject:      rendered.Subject,
			HTML:         rendered.HTML,
			Text:         rendered.Text,
			CampaignID:   c.ID.String(),
			SubscriberID: PreviewSubscriberID,
		})
		cancel()

		result := TestSendResult{Email: email, Status: "sent"}
		if err != nil {
			result.Status = "failed"
			result.Error = err.Error()
		}
		results = append(results, result)
	}
	return results
}
