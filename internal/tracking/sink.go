// Package tracking is the public-facing engagement collector. Its two
// endpoints sit inside every delivered email, so they are fail-open:
// the pixel is always served and the redirect always happens, whether or
// not the event could be recorded.
package tracking

import (
	"context"

	"github.com/google/uuid"

	"github.com/ignite/newsletter-engine/internal/newsletter"
)

// EventSink records engagement events. Implementations must tolerate
// being called with ids for campaigns that no longer exist.
type EventSink interface {
	RecordOpen(ctx context.Context, campaignID, subscriberID uuid.UUID) error
	RecordClick(ctx context.Context, campaignID, subscriberID uuid.UUID, url string) error
	RecordUnsubscribe(ctx context.Context, campaignID, subscriberID uuid.UUID) error
}

// StoreSink writes events straight into the newsletter store.
type StoreSink struct {
	store *newsletter.Store
}

// NewStoreSink creates a store-backed event sink.
func NewStoreSink(store *newsletter.Store) *StoreSink {
	return &StoreSink{store: store}
}

// RecordOpen appends one open event.
func (s *StoreSink) RecordOpen(ctx context.Context, campaignID, subscriberID uuid.UUID) error {
	return s.store.InsertEvent(ctx, &newsletter.Event{
		CampaignID:   campaignID,
		SubscriberID: subscriberID,
		Type:         newsletter.EventOpen,
	})
}

// RecordClick appends one click event and bumps the per-link counter. The
// event row is the source of truth for analytics; a failed counter bump
// only skews the top-links ranking.
func (s *StoreSink) RecordClick(ctx context.Context, campaignID, subscriberID uuid.UUID, url string) error {
	err := s.store.InsertEvent(ctx, &newsletter.Event{
		CampaignID:   campaignID,
		SubscriberID: subscriberID,
		Type:         newsletter.EventClick,
		URL:          url,
	})
	if bumpErr := s.store.UpsertLinkClick(ctx, campaignID, url); err == nil {
		err = bumpErr
	}
	return err
}

// RecordUnsubscribe flips the subscriber's membership to unsubscribed on
// every list the campaign targets.
func (s *StoreSink) RecordUnsubscribe(ctx context.Context, campaignID, subscriberID uuid.UUID) error {
	listIDs, err := s.store.GetCampaignListIDs(ctx, campaignID)
	if err != nil {
		return err
	}
	for _, listID := range listIDs {
		if err := s.store.Unsubscribe(ctx, subscriberID, listID); err != nil {
			return err
		}
	}
	return nil
}
