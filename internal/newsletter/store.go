package newsletter

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store provides database operations for newsletter entities.
type Store struct {
	db *sql.DB
}

// NewStore creates a new newsletter store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NormalizeEmail lowercases and trims an email for canonical lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateList creates a new mailing list.
func (s *Store) CreateList(ctx context.Context, list *List) error {
	list.ID = uuid.New()
	list.CreatedAt = time.Now()
	list.UpdatedAt = time.Now()
	if list.Visibility == "" {
		list.Visibility = "private"
	}
	if list.OptInType == "" {
		list.OptInType = "single"
	}

	query := `INSERT INTO lists (id, name, description, visibility, opt_in_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query, list.ID, list.Name, list.Description,
		list.Visibility, list.OptInType, list.CreatedAt, list.UpdatedAt)
	return err
}

// GetList retrieves a list by ID.
func (s *Store) GetList(ctx context.Context, listID uuid.UUID) (*List, error) {
	query := `SELECT id, name, description, visibility, opt_in_type, created_at, updated_at
		FROM lists WHERE id = $1`

	list := &List{}
	err := s.db.QueryRowContext(ctx, query, listID).Scan(
		&list.ID, &list.Name, &list.Description, &list.Visibility,
		&list.OptInType, &list.CreatedAt, &list.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return list, err
}

// GetLists retrieves all lists ordered by name.
func (s *Store) GetLists(ctx context.Context) ([]*List, error) {
	query := `SELECT id, name, description, visibility, opt_in_type, created_at, updated_at
		FROM lists ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lists []*List
	for rows.Next() {
		list := &List{}
		err := rows.Scan(&list.ID, &list.Name, &list.Description, &list.Visibility,
			&list.OptInType, &list.CreatedAt, &list.UpdatedAt)
		if err != nil {
			return nil, err
		}
		lists = append(lists, list)
	}
	return lists, rows.Err()
}

// UpsertSubscriber creates a subscriber keyed by email, or updates name and
// attributes in place when the email already exists. The stored row's ID is
// written back into sub.
func (s *Store) UpsertSubscriber(ctx context.Context, sub *Subscriber) error {
	sub.Email = NormalizeEmail(sub.Email)
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	sub.CreatedAt = time.Now()
	sub.UpdatedAt = time.Now()

	query := `INSERT INTO subscribers (id, email, name, attributes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (email) DO UPDATE SET name = EXCLUDED.name,
			attributes = EXCLUDED.attributes, updated_at = NOW()
		RETURNING id, created_at`

	return s.db.QueryRowContext(ctx, query, sub.ID, sub.Email, sub.Name,
		sub.Attributes, sub.CreatedAt, sub.UpdatedAt).Scan(&sub.ID, &sub.CreatedAt)
}

// GetSubscriber retrieves a subscriber by ID.
func (s *Store) GetSubscriber(ctx context.Context, subID uuid.UUID) (*Subscriber, error) {
	query := `SELECT id, email, name, attributes, created_at, updated_at
		FROM subscribers WHERE id = $1`

	sub := &Subscriber{}
	err := s.db.QueryRowContext(ctx, query, subID).Scan(
		&sub.ID, &sub.Email, &sub.Name, &sub.Attributes, &sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

// GetSubscriberByEmail retrieves a subscriber by canonical email.
func (s *Store) GetSubscriberByEmail(ctx context.Context, email string) (*Subscriber, error) {
	query := `SELECT id, email, name, attributes, created_at, updated_at
		FROM subscribers WHERE email = $1`

	sub := &Subscriber{}
	err := s.db.QueryRowContext(ctx, query, NormalizeEmail(email)).Scan(
		&sub.ID, &sub.Email, &sub.Name, &sub.Attributes, &sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

// SetMembership upserts a (subscriber, list) membership with the given
// status.
func (s *Store) SetMembership(ctx context.Context, subscriberID, listID uuid.UUID, status string) error {
	query := `INSERT INTO list_memberships (subscriber_id, list_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (subscriber_id, list_id) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()`

	_, err := s.db.ExecContext(ctx, query, subscriberID, listID, status)
	return err
}

// Unsubscribe flips a membership to unsubscribed. The reverse move is not
// offered by the engine.
func (s *Store) Unsubscribe(ctx context.Context, subscriberID, listID uuid.UUID) error {
	query := `UPDATE list_memberships SET status = $1, updated_at = NOW()
		WHERE subscriber_id = $2 AND list_id = $3`
	_, err := s.db.ExecContext(ctx, query, MemberUnsubscribed, subscriberID, listID)
	return err
}

// GetMembers retrieves subscribers of a list together with their membership
// status, for the admin screens and CSV export.
func (s *Store) GetMembers(ctx context.Context, listID uuid.UUID) ([]*Subscriber, []string, error) {
	query := `SELECT s.id, s.email, s.name, s.attributes, s.created_at, s.updated_at, m.status
		FROM subscribers s
		JOIN list_memberships m ON m.subscriber_id = s.id
		WHERE m.list_id = $1 ORDER BY s.email`

	rows, err := s.db.QueryContext(ctx, query, listID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var subs []*Subscriber
	var statuses []string
	for rows.Next() {
		sub := &Subscriber{}
		var status string
		err := rows.Scan(&sub.ID, &sub.Email, &sub.Name, &sub.Attributes,
			&sub.CreatedAt, &sub.UpdatedAt, &status)
		if err != nil {
			return nil, nil, err
		}
		subs = append(subs, sub)
		statuses = append(statuses, status)
	}
	return subs, statuses, rows.Err()
}

// GetOrCreateListByName resolves a list by its unique name, creating it on
// first sight. Used by the CSV importer's optional lists column.
func (s *Store) GetOrCreateListByName(ctx context.Context, name string) (*List, error) {
	query := `INSERT INTO lists (id, name, visibility, opt_in_type, created_at, updated_at)
		VALUES ($1, $2, 'private', 'single', NOW(), NOW())
		ON CONFLICT (name) DO UPDATE SET updated_at = lists.updated_at
		RETURNING id, name, description, visibility, opt_in_type, created_at, updated_at`

	list := &List{}
	err := s.db.QueryRowContext(ctx, query, uuid.New(), name).Scan(
		&list.ID, &list.Name, &list.Description, &list.Visibility,
		&list.OptInType, &list.CreatedAt, &list.UpdatedAt)
	return list, err
}

// ListNamesForSubscriber returns the names of every list the subscriber
// belongs to, for CSV export.
func (s *Store) ListNamesForSubscriber(ctx context.Context, subscriberID uuid.UUID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT l.name FROM lists l
		JOIN list_memberships m ON m.list_id = l.id
		WHERE m.subscriber_id = $1 ORDER BY l.name`, subscriberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CreateTemplate creates a reusable template.
func (s *Store) CreateTemplate(ctx context.Context, t *Template) error {
	if t.BodyHTML == "" {
		return &ValidationError{Field: "body_html", Message: "required"}
	}
	t.ID = uuid.New()
	t.CreatedAt = time.Now()
	t.UpdatedAt = time.Now()

	query := `INSERT INTO templates (id, name, body_html, body_text, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query, t.ID, t.Name, t.BodyHTML, t.BodyText,
		t.CreatedAt, t.UpdatedAt)
	return err
}

// GetTemplate retrieves a template by ID.
func (s *Store) GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	query := `SELECT id, name, body_html, body_text, created_at, updated_at
		FROM templates WHERE id = $1`

	t := &Template{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.Name, &t.BodyHTML, &t.BodyText, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// CreateCampaign creates a campaign in draft status.
func (s *Store) CreateCampaign(ctx context.Context, c *Campaign) error {
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	c.UpdatedAt = time.Now()
	if c.Status == "" {
		c.Status = CampaignDraft
	}

	query := `INSERT INTO campaigns (id, name, subject, from_name, from_email, body_html,
		body_text, template_id, status, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.db.ExecContext(ctx, query, c.ID, c.Name, c.Subject, c.FromName,
		c.FromEmail, c.BodyHTML, c.BodyText, c.TemplateID, c.Status, c.ScheduledAt,
		c.CreatedAt, c.UpdatedAt)
	return err
}

// GetCampaign retrieves a campaign by ID.
func (s *Store) GetCampaign(ctx context.Context, campaignID uuid.UUID) (*Campaign, error) {
	query := `SELECT id, name, subject, from_name, from_email, body_html, body_text,
		template_id, status, scheduled_at, started_at, completed_at, created_at, updated_at
		FROM campaigns WHERE id = $1`

	c := &Campaign{}
	err := s.db.QueryRowContext(ctx, query, campaignID).Scan(
		&c.ID, &c.Name, &c.Subject, &c.FromName, &c.FromEmail, &c.BodyHTML, &c.BodyText,
		&c.TemplateID, &c.Status, &c.ScheduledAt, &c.StartedAt, &c.CompletedAt,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// GetCampaigns retrieves campaigns, newest first.
func (s *Store) GetCampaigns(ctx context.Context, limit int) ([]*Campaign, error) {
	query := `SELECT id, name, subject, from_name, from_email, template_id, status,
		scheduled_at, started_at, completed_at, created_at
		FROM campaigns ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c := &Campaign{}
		err := rows.Scan(&c.ID, &c.Name, &c.Subject, &c.FromName, &c.FromEmail,
			&c.TemplateID, &c.Status, &c.ScheduledAt, &c.StartedAt, &c.CompletedAt, &c.CreatedAt)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// AttachLists replaces the campaign's target list set.
func (s *Store) AttachLists(ctx context.Context, campaignID uuid.UUID, listIDs []uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM campaign_lists WHERE campaign_id = $1`, campaignID); err != nil {
		return err
	}
	for _, listID := range listIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO campaign_lists (campaign_id, list_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			campaignID, listID)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetCampaignListIDs returns the IDs of the lists a campaign targets.
func (s *Store) GetCampaignListIDs(ctx context.Context, campaignID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT list_id FROM campaign_lists WHERE campaign_id = $1`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateCampaignStatus updates a campaign's status and, where relevant, its
// started/completed timestamps and schedule.
func (s *Store) UpdateCampaignStatus(ctx context.Context, campaignID uuid.UUID, status string, scheduledAt *time.Time) error {
	query := `UPDATE campaigns SET status = $1, scheduled_at = COALESCE($2, scheduled_at), updated_at = NOW()`
	if status == CampaignRunning {
		query += ", started_at = NOW()"
	} else if status == CampaignCompleted {
		query += ", completed_at = NOW()"
	}
	query += " WHERE id = $3"
	_, err := s.db.ExecContext(ctx, query, status, scheduledAt, campaignID)
	return err
}

// CampaignStatus returns only the current status of a campaign. The worker
// re-checks this before each send so flipping a campaign out of running
// halts delivery between items without cancelling in-flight work.
func (s *Store) CampaignStatus(ctx context.Context, campaignID uuid.UUID) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM campaigns WHERE id = $1`, campaignID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return status, err
}

// HasQueueItems reports whether any queue rows exist for a campaign. This is
// the guard that makes activation enqueue exactly once.
func (s *Store) HasQueueItems(ctx context.Context, campaignID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM campaign_queue WHERE campaign_id = $1)`, campaignID).Scan(&exists)
	return exists, err
}

// EnqueueRecipients expands the campaign's target lists into queue rows:
// one pending item per distinct subscriber with a subscribed membership in
// at least one target list. The unique constraint on
// (campaign_id, subscriber_id) makes concurrent duplicate enqueues fail
// softly. Returns the number of newly created rows.
func (s *Store) EnqueueRecipients(ctx context.Context, campaignID uuid.UUID, listIDs []uuid.UUID) (int, error) {
	if len(listIDs) == 0 {
		return 0, nil
	}

	query := `INSERT INTO campaign_queue (id, campaign_id, subscriber_id, status, attempts, created_at)
		SELECT gen_random_uuid(), $1, m.subscriber_id, $2, 0, NOW()
		FROM list_memberships m
		WHERE m.list_id = ANY($3) AND m.status = $4
		GROUP BY m.subscriber_id
		ON CONFLICT (campaign_id, subscriber_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query, campaignID, QueuePending,
		pq.Array(listIDs), MemberSubscribed)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// PendingQueueItems returns up to limit pending items, oldest first. It does
// not claim them; claiming is a separate atomic step per item.
func (s *Store) PendingQueueItems(ctx context.Context, limit int) ([]*QueueItem, error) {
	query := `SELECT id, campaign_id, subscriber_id, status, attempts, last_error, created_at
		FROM campaign_queue WHERE status = $1 ORDER BY created_at LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, QueuePending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item := &QueueItem{}
		err := rows.Scan(&item.ID, &item.CampaignID, &item.SubscriberID, &item.Status,
			&item.Attempts, &item.LastError, &item.CreatedAt)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ClaimQueueItem atomically moves an item pending → processing. The
// conditional update is the guard against two concurrent workers claiming
// the same row: it succeeds only if the row is still pending. Returns false
// when another invocation got there first.
func (s *Store) ClaimQueueItem(ctx context.Context, itemID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaign_queue SET status = $1, last_attempt_at = NOW()
		WHERE id = $2 AND status = $3`,
		QueueProcessing, itemID, QueuePending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkQueueItemSent records a successful delivery.
func (s *Store) MarkQueueItemSent(ctx context.Context, itemID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaign_queue SET status = $1, attempts = attempts + 1, sent_at = NOW(), last_error = '' WHERE id = $2`,
		QueueSent, itemID)
	return err
}

// ReleaseQueueItem returns a transiently failed item to pending for a later
// retry, recording the attempt and error.
func (s *Store) ReleaseQueueItem(ctx context.Context, itemID uuid.UUID, sendErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaign_queue SET status = $1, attempts = attempts + 1, last_error = $2 WHERE id = $3`,
		QueuePending, sendErr, itemID)
	return err
}

// UnclaimQueueItem returns a claimed item to pending without counting an
// attempt, for items claimed and then skipped because their campaign was
// flipped out of running.
func (s *Store) UnclaimQueueItem(ctx context.Context, itemID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaign_queue SET status = $1 WHERE id = $2 AND status = $3`,
		QueuePending, itemID, QueueProcessing)
	return err
}

// FailQueueItem marks an item permanently failed.
func (s *Store) FailQueueItem(ctx context.Context, itemID uuid.UUID, sendErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaign_queue SET status = $1, attempts = attempts + 1, last_error = $2 WHERE id = $3`,
		QueueFailed, sendErr, itemID)
	return err
}

// PendingCount returns how many undelivered (pending or processing) items
// remain for a campaign. Zero means the campaign has drained.
func (s *Store) PendingCount(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM campaign_queue WHERE campaign_id = $1 AND status IN ($2, $3)`,
		campaignID, QueuePending, QueueProcessing).Scan(&n)
	return n, err
}

// QueueCounts returns per-status queue totals for a campaign, for the admin
// campaign detail screen.
func (s *Store) QueueCounts(ctx context.Context, campaignID uuid.UUID) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM campaign_queue WHERE campaign_id = $1 GROUP BY status`,
		campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// InsertEvent appends a raw engagement event.
func (s *Store) InsertEvent(ctx context.Context, e *Event) error {
	e.ID = uuid.New()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO events (id, campaign_id, subscriber_id, type, url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query, e.ID, e.CampaignID, e.SubscriberID,
		e.Type, e.URL, e.CreatedAt)
	return err
}

/// UpsertLinkClick records a click on (campaign, url): inserts the link row
// with click_count=1 or increments the counter in place. The increment runs
// in SQL so concurrent clicks on a popular link never lose updates.
func (s *Store) UpsertLinkClick(ctx context.Context, campaignID uuid.UUID, rawURL string) error {
	query := `INSERT INTO links (id, campaign_id, url, click_count, created_at)
		VALUES ($1, $2, $3, 1, NOW())
		ON CONFLICT (campaign_id, url) DO UPDATE SET click_count = links.click_count + 1`

	_, err := s.db.ExecContext(ctx, query, uuid.New(), campaignID, rawURL)
	return err
}

// EventsForCampaign fetches a campaign's raw events, oldest first.
func (s *Store) EventsForCampaign(ctx context.Context, campaignID uuid.UUID) ([]*Event, error) {
	query := `SELECT id, campaign_id, subscriber_id, type, url, created_at
		FROM events WHERE campaign_id = $1 ORDER BY created_at`
	return s.queryEvents(ctx, query, campaignID)
}

// EventsSince fetches all events created at or after the cutoff, oldest
// first, for the global summary.
func (s *Store) EventsSince(ctx context.Context, cutoff time.Time) ([]*Event, error) {
	query := `SELECT id, campaign_id, subscriber_id, type, url, created_at
		FROM events WHERE created_at >= $1 ORDER BY created_at`
	return s.queryEvents(ctx, query, cutoff)
}

func (s *Store) queryEvents(ctx context.Context, query string, arg interface{}) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		err := rows.Scan(&e.ID, &e.CampaignID, &e.SubscriberID, &e.Type, &e.URL, &e.CreatedAt)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// TopLinks returns a campaign's links ordered by click_count descending.
func (s *Store) TopLinks(ctx context.Context, campaignID uuid.UUID, limit int) ([]*Link, error) {
	query := `SELECT id, campaign_id, url, click_count, created_at
		FROM links WHERE campaign_id = $1 ORDER BY click_count DESC, url LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []*Link
	for rows.Next() {
		l := &Link{}
		err := rows.Scan(&l.ID, &l.CampaignID, &l.URL, &l.ClickCount, &l.CreatedAt)
		if err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}
