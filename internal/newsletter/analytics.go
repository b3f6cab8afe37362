package newsletter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/newsletter-engine/internal/pkg/logger"
)

// EventSource is the read side the aggregator needs.
type EventSource interface {
	EventsForCampaign(ctx context.Context, campaignID uuid.UUID) ([]*Event, error)
	EventsSince(ctx context.Context, cutoff time.Time) ([]*Event, error)
	TopLinks(ctx context.Context, campaignID uuid.UUID, limit int) ([]*Link, error)
}

// Totals holds running open/click counts. Raw engagement counts: a
// subscriber opening twice counts twice.
type Totals struct {
	Opens  int `json:"opens"`
	Clicks int `json:"clicks"`
}

// DayStat is one UTC calendar day's counts.
type DayStat struct {
	Date   string `json:"date"`
	Opens  int    `json:"opens"`
	Clicks int    `json:"clicks"`
}

// LinkStat is one entry of the top-links ranking.
type LinkStat struct {
	URL    string `json:"url"`
	Clicks int    `json:"clicks"`
}

// SummaryReport is the global engagement rollup over a trailing window.
type SummaryReport struct {
	WindowDays int       `json:"window_days"`
	Totals     Totals    `json:"totals"`
	Daily      []DayStat `json:"daily"`
}

// CampaignReport is the per-campaign rollup.
type CampaignReport struct {
	CampaignID uuid.UUID  `json:"campaign_id"`
	Totals     Totals     `json:"totals"`
	Daily      []DayStat  `json:"daily"`
	LinkTop    []LinkStat `json:"linkTop"`
}

// Analytics rolls raw events up into daily buckets and totals. Aggregation
// happens in Go over the fetched rows so daily counts always sum to the
// totals. Reads only, no side effects.
type Analytics struct {
	store    EventSource
	cache    *redis.Client
	cacheTTL time.Duration
}

// NewAnalytics creates an aggregator. cache may be nil; when set, the
// global summary is cached briefly and redis failures fall through to the
// store.
func NewAnalytics(store EventSource, cache *redis.Client) *Analytics {
	return &Analytics{store: store, cache: cache, cacheTTL: time.Minute}
}

// Summary aggregates all events of the trailing windowDays days.
func (a *Analytics) Summary(ctx context.Context, windowDays int) (*SummaryReport, error) {
	if windowDays <= 0 {
		windowDays = 30
	}

	cacheKey := fmt.Sprintf("analytics:summary:%d", windowDays)
	if a.cache != nil {
		if raw, err := a.cache.Get(ctx, cacheKey).Bytes(); err == nil {
			report := &SummaryReport{}
			if json.Unmarshal(raw, report) == nil {
				return report, nil
			}
		}
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -windowDays)
	events, err := a.store.EventsSince(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}

	totals, daily := bucketByDay(events)
	report := &SummaryReport{WindowDays: windowDays, Totals: totals, Daily: daily}

	if a.cache != nil {
		if raw, err := json.Marshal(report); err == nil {
			if err := a.cache.Set(ctx, cacheKey, raw, a.cacheTTL).Err(); err != nil {
				logger.Debug("summary cache write failed", "error", err)
			}
		}
	}
	return report, nil
}

// Campaign aggregates one campaign's events and ranks its links by clicks.
func (a *Analytics) Campaign(ctx context.Context, campaignID uuid.UUID) (*CampaignReport, error) {
	events, err := a.store.EventsForCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	links, err := a.store.TopLinks(ctx, campaignID, 10)
	if err != nil {
		return nil, fmt.Errorf("fetch links: %w", err)
	}

	totals, daily := bucketByDay(events)
	report := &CampaignReport{
		CampaignID: campaignID,
		Totals:     totals,
		Daily:      daily,
		LinkTop:    make([]LinkStat, 0, len(links)),
	}
	for _, l := range links {
		report.LinkTop = append(report.LinkTop, LinkStat{URL: l.URL, Clicks: l.ClickCount})
	}
	return report, nil
}

// bucketByDay accumulates per-day open and click counts, keyed by the UTC
// date of each event, and the matching running totals.
func bucketByDay(events []*Event) (Totals, []DayStat) {
	totals := Totals{}
	buckets := map[string]*DayStat{}

	for _, e := range events {
		date := e.CreatedAt.UTC().Format("2006-01-02")
		day, ok := buckets[date]
		if !ok {
			day = &DayStat{Date: date}
			buckets[date] = day
		}
		switch e.Type {
		case EventOpen:
			day.Opens++
			totals.Opens++
		case EventClick:
			day.Clicks++
			totals.Clicks++
		}
	}

	daily := make([]DayStat, 0, len(buckets))
	for _, day := range buckets {
		daily = append(daily, *day)
	}
	sort.Slice(daily, func(i, j int) bool { return daily[i].Date < daily[j].Date })
	return totals, daily
}
