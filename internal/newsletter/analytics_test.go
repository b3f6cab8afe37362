package newsletter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEventSource struct {
	events []*Event
	links  []*Link

	sinceCalls int
}

func (f *fakeEventSource) EventsForCampaign(ctx context.Context, campaignID uuid.UUID) ([]*Event, error) {
	var out []*Event
	for _, e := range f.events {
		if e.CampaignID == campaignID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEventSource) EventsSince(ctx context.Context, cutoff time.Time) ([]*Event, error) {
	f.sinceCalls++
	var out []*Event
	for _, e := range f.events {
		if e.CreatedAt.After(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEventSource) TopLinks(ctx context.Context, campaignID uuid.UUID, limit int) ([]*Link, error) {
	if len(f.links) > limit {
		return f.links[:limit], nil
	}
	return f.links, nil
}

func eventAt(campaignID uuid.UUID, kind string, ts time.Time) *Event {
	return &Event{
		ID:           uuid.New(),
		CampaignID:   campaignID,
		SubscriberID: uuid.New(),
		Type:         kind,
		CreatedAt:    ts,
	}
}

func TestBucketByDaySumsMatchTotals(t *testing.T) {
	campaignID := uuid.New()
	day1 := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 2, 23, 59, 0, 0, time.UTC)

	events := []*Event{
		eventAt(campaignID, EventOpen, day1),
		eventAt(campaignID, EventOpen, day1.Add(time.Hour)),
		eventAt(campaignID, EventClick, day1),
		eventAt(campaignID, EventOpen, day2),
		eventAt(campaignID, EventClick, day2),
		eventAt(campaignID, EventClick, day2.Add(-time.Minute)),
	}

	totals, daily := bucketByDay(events)

	assert.Equal(t, 3, totals.Opens)
	assert.Equal(t, 3, totals.Clicks)

	require.Len(t, daily, 2)
	assert.Equal(t, "2026-08-01", daily[0].Date)
	assert.Equal(t, "2026-08-02", daily[1].Date)

	sumOpens, sumClicks := 0, 0
	for _, day := range daily {
		sumOpens += day.Opens
		sumClicks += day.Clicks
	}
	assert.Equal(t, totals.Opens, sumOpens)
	assert.Equal(t, totals.Clicks, sumClicks)
}

func TestBucketByDayUsesUTCDate(t *testing.T) {
	campaignID := uuid.New()
	// 23:30 in UTC-3 is 02:30 UTC the next day.
	loc := time.FixedZone("UTC-3", -3*60*60)
	local := time.Date(2026, 8, 1, 23, 30, 0, 0, loc)

	_, daily := bucketByDay([]*Event{eventAt(campaignID, EventOpen, local)})

	require.Len(t, daily, 1)
	assert.Equal(t, "2026-08-02", daily[0].Date)
}

func TestBucketByDayCountsRepeatEvents(t *testing.T) {
	campaignID := uuid.New()
	subscriberID := uuid.New()
	ts := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	// Same subscriber opening three times yields three raw counts.
	events := make([]*Event, 0, 3)
	for i := 0; i < 3; i++ {
		e := eventAt(campaignID, EventOpen, ts.Add(time.Duration(i)*time.Minute))
		e.SubscriberID = subscriberID
		events = append(events, e)
	}

	totals, _ := bucketByDay(events)
	assert.Equal(t, 3, totals.Opens)
}

func TestCampaignReportRanksLinks(t *testing.T) {
	campaignID := uuid.New()
	source := &fakeEventSource{
		events: []*Event{
			eventAt(campaignID, EventOpen, time.Now().UTC()),
			eventAt(campaignID, EventClick, time.Now().UTC()),
		},
		links: []*Link{
			{CampaignID: campaignID, URL: "https://example.com/a", ClickCount: 7},
			{CampaignID: campaignID, URL: "https://example.com/b", ClickCount: 2},
		},
	}

	report, err := NewAnalytics(source, nil).Campaign(context.Background(), campaignID)
	require.NoError(t, err)

	assert.Equal(t, campaignID, report.CampaignID)
	assert.Equal(t, 1, report.Totals.Opens)
	assert.Equal(t, 1, report.Totals.Clicks)
	require.Len(t, report.LinkTop, 2)
	assert.Equal(t, "https://example.com/a", report.LinkTop[0].URL)
	assert.Equal(t, 7, report.LinkTop[0].Clicks)
}

func TestSummaryUsesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	campaignID := uuid.New()
	source := &fakeEventSource{events: []*Event{
		eventAt(campaignID, EventOpen, time.Now().UTC().Add(-time.Hour)),
	}}

	a := NewAnalytics(source, cache)

	first, err := a.Summary(context.Background(), 7)
	require.NoError(t, err)
	second, err := a.Summary(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, first.Totals, second.Totals)
	assert.Equal(t, 1, source.sinceCalls)
}

func TestSummaryCacheFailureFallsThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	campaignID := uuid.New()
	source := &fakeEventSource{events: []*Event{
		eventAt(campaignID, EventClick, time.Now().UTC().Add(-time.Hour)),
	}}

	report, err := NewAnalytics(source, cache).Summary(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Totals.Clicks)
	assert.Equal(t, 1, source.sinceCalls)
}

func TestSummaryDefaultWindow(t *testing.T) {
	source := &fakeEventSource{}
	report, err := NewAnalytics(source, nil).Summary(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 30, report.WindowDays)
}
