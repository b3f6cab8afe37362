package newsletter

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Campaign status constants
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignRunning   = "running"
	CampaignCompleted = "completed"
	CampaignError     = "error"
)

// Queue item status constants
const (
	QueuePending    = "pending"
	QueueProcessing = "processing"
	QueueSent       = "sent"
	QueueFailed     = "failed"
)

// Membership status constants
const (
	MemberSubscribed   = "subscribed"
	MemberUnsubscribed = "unsubscribed"
)

// Event type constants
const (
	EventOpen  = "open"
	EventClick = "click"
)

// JSON helper type for JSONB columns
type JSON map[string]interface{}

func (j JSON) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(b, j)
}

// Subscriber represents an email recipient. Email is the canonical lookup
// key; rows are created once, updated in place and never hard-deleted by
// the engine.
type Subscriber struct {
	ID         uuid.UUID `json:"id" db:"id"`
	Email      string    `json:"email" db:"email"`
	Name       string    `json:"name" db:"name"`
	Attributes JSON      `json:"attributes" db:"attributes"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// List represents a mailing list.
type List struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	Visibility  string    `json:"visibility" db:"visibility"`
	OptInType   string    `json:"opt_in_type" db:"opt_in_type"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Membership is one (subscriber, list) pair with its subscription status.
// The engine only ever moves status subscribed → unsubscribed; re-subscribing
// is an explicit external event, not something this engine performs.
type Membership struct {
	SubscriberID uuid.UUID `json:"subscriber_id" db:"subscriber_id"`
	ListID       uuid.UUID `json:"list_id" db:"list_id"`
	Status       string    `json:"status" db:"status"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Template represents a reusable email template. BodyHTML is required,
// BodyText is the optional plain-text fallback.
type Template struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	BodyHTML  string    `json:"body_html" db:"body_html"`
	BodyText  string    `json:"body_text" db:"body_text"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Campaign represents an email campaign and its delivery state machine.
type Campaign struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	Name        string     `json:"name" db:"name"`
	Subject     string     `json:"subject" db:"subject"`
	FromName    string     `json:"from_name" db:"from_name"`
	FromEmail   string     `json:"from_email" db:"from_email"`
	BodyHTML    string     `json:"body_html" db:"body_html"`
	BodyText    string     `json:"body_text" db:"body_text"`
	TemplateID  *uuid.UUID `json:"template_id" db:"template_id"`
	Status      string     `json:"status" db:"status"`
	ScheduledAt *time.Time `json:"scheduled_at" db:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// BodySource is the resolved rendering source for a campaign: either an
// inline body or a reference to a stored template. Exactly one variant is
// chosen per campaign, once, at render time.
type BodySource interface {
	bodySource()
}

// InlineBody is campaign content stored directly on the campaign row.
type InlineBody struct {
	HTML string
	Text string
}

func (InlineBody) bodySource() {}

// TemplateRef points at a reusable template.
type TemplateRef struct {
	ID uuid.UUID
}

func (TemplateRef) bodySource() {}

// ResolveBody picks the campaign's rendering source. Inline content wins
// when both an inline body and a template are present.
func (c *Campaign) ResolveBody() (BodySource, error) {
	if c.BodyHTML != "" {
		return InlineBody{HTML: c.BodyHTML, Text: c.BodyText}, nil
	}
	if c.TemplateID != nil {
		return TemplateRef{ID: *c.TemplateID}, nil
	}
	return nil, &ValidationError{Field: "body", Message: "campaign has neither an inline body nor a template"}
}

// QueueItem is one pending/sent/failed delivery obligation for a single
// (campaign, subscriber) pair. The unique constraint on that pair is the
// idempotency anchor for enqueueing.
type QueueItem struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	CampaignID    uuid.UUID  `json:"campaign_id" db:"campaign_id"`
	SubscriberID  uuid.UUID  `json:"subscriber_id" db:"subscriber_id"`
	Status        string     `json:"status" db:"status"`
	Attempts      int        `json:"attempts" db:"attempts"`
	LastError     string     `json:"last_error" db:"last_error"`
	LastAttemptAt *time.Time `json:"last_attempt_at" db:"last_attempt_at"`
	SentAt        *time.Time `json:"sent_at" db:"sent_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// Link is one distinct (campaign, url) pair with a monotonically increasing
// click counter.
type Link struct {
	ID         uuid.UUID `json:"id" db:"id"`
	CampaignID uuid.UUID `json:"campaign_id" db:"campaign_id"`
	URL        string    `json:"url" db:"url"`
	ClickCount int       `json:"click_count" db:"click_count"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Event is one raw engagement record. Events are append-only; repeat opens
// or clicks from the same subscriber produce repeat rows.
type Event struct {
	ID           uuid.UUID `json:"id" db:"id"`
	CampaignID   uuid.UUID `json:"campaign_id" db:"campaign_id"`
	SubscriberID uuid.UUID `json:"subscriber_id" db:"subscriber_id"`
	Type         string    `json:"type" db:"type"`
	URL          string    `json:"url" db:"url"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// campaignTransitions is the set of legal status moves. Everything absent
// is rejected with ErrInvalidTransition.
var campaignTransitions = map[string][]string{
	CampaignDraft:     {CampaignScheduled, CampaignRunning},
	CampaignScheduled: {CampaignDraft, CampaignRunning},
	CampaignRunning:   {CampaignCompleted, CampaignError},
}

// CanTransition reports whether a campaign may move from its current status
// to the target status.
func (c *Campaign) CanTransition(target string) bool {
	for _, allowed := range campaignTransitions[c.Status] {
		if allowed == target {
			return true
		}
	}
	return false
}
