package tracking

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	err error

	opens  []uuid.UUID
	clicks []string
	unsubs []uuid.UUID
	subIDs []uuid.UUID
}

func (s *recordingSink) RecordOpen(ctx context.Context, campaignID, subscriberID uuid.UUID) error {
	if s.err != nil {
		return s.err
	}
	s.opens = append(s.opens, campaignID)
	s.subIDs = append(s.subIDs, subscriberID)
	return nil
}

func (s *recordingSink) RecordClick(ctx context.Context, campaignID, subscriberID uuid.UUID, url string) error {
	if s.err != nil {
		return s.err
	}
	s.clicks = append(s.clicks, url)
	s.subIDs = append(s.subIDs, subscriberID)
	return nil
}

func (s *recordingSink) RecordUnsubscribe(ctx context.Context, campaignID, subscriberID uuid.UUID) error {
	if s.err != nil {
		return s.err
	}
	s.unsubs = append(s.unsubs, campaignID)
	return nil
}

func serve(h *Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func TestOpenServesPixelAndRecords(t *testing.T) {
	sink := &recordingSink{}
	h := NewHandler(sink, "https://example.com")
	campaignID, subscriberID := uuid.New(), uuid.New()

	rec := serve(h, "GET", fmt.Sprintf("/r/open/%s/%s", campaignID, subscriberID))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/gif", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
	assert.Equal(t, pixelGIF, rec.Body.Bytes())
	assert.Equal(t, []uuid.UUID{campaignID}, sink.opens)
}

func TestOpenServesPixelWhenSinkFails(t *testing.T) {
	sink := &recordingSink{err: errors.New("db down")}
	h := NewHandler(sink, "https://example.com")

	rec := serve(h, "GET", fmt.Sprintf("/r/open/%s/%s", uuid.New(), uuid.New()))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pixelGIF, rec.Body.Bytes())
}

func TestOpenSkipsSyntheticSubscriberID(t *testing.T) {
	sink := &recordingSink{}
	h := NewHandler(sink, "https://example.com")

	// Test sends embed a non-UUID subscriber id; serve the pixel, record
	// nothing.
	rec := serve(h, "GET", fmt.Sprintf("/r/open/%s/preview-subscriber", uuid.New()))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pixelGIF, rec.Body.Bytes())
	assert.Empty(t, sink.opens)
}

func TestClickRedirectsAndRecords(t *testing.T) {
	sink := &recordingSink{}
	h := NewHandler(sink, "https://example.com")
	campaignID, subscriberID := uuid.New(), uuid.New()
	target := "https://shop.example.com/sale?x=1"

	rec := serve(h, "GET", fmt.Sprintf("/r/click?cid=%s&sid=%s&url=%s",
		campaignID, subscriberID, url.QueryEscape(target)))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, target, rec.Header().Get("Location"))
	assert.Equal(t, []string{target}, sink.clicks)
}

func TestClickRedirectsWhenSinkFails(t *testing.T) {
	sink := &recordingSink{err: errors.New("db down")}
	h := NewHandler(sink, "https://example.com")
	target := "https://shop.example.com/"

	rec := serve(h, "GET", fmt.Sprintf("/r/click?cid=%s&sid=%s&url=%s",
		uuid.New(), uuid.New(), url.QueryEscape(target)))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, target, rec.Header().Get("Location"))
}

func TestClickFallsBackToDefaultRedirect(t *testing.T) {
	sink := &recordingSink{}
	h := NewHandler(sink, "https://example.com/home")

	cases := []string{
		"/r/click",
		"/r/click?url=",
		"/r/click?url=javascript%3Aalert(1)",
	}
	for _, target := range cases {
		rec := serve(h, "GET", target)
		assert.Equal(t, http.StatusFound, rec.Code, target)
		assert.Equal(t, "https://example.com/home", rec.Header().Get("Location"), target)
	}
}

func TestClickSkipsRecordingForBadIDs(t *testing.T) {
	sink := &recordingSink{}
	h := NewHandler(sink, "https://example.com")
	target := "https://shop.example.com/"

	rec := serve(h, "GET", "/r/click?cid=nope&sid=preview-subscriber&url="+url.QueryEscape(target))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, target, rec.Header().Get("Location"))
	assert.Empty(t, sink.clicks)
}

func TestUnsubscribeAlwaysShowsConfirmation(t *testing.T) {
	sink := &recordingSink{err: errors.New("db down")}
	h := NewHandler(sink, "https://example.com")

	rec := serve(h, "GET", fmt.Sprintf("/r/unsubscribe/%s/%s", uuid.New(), uuid.New()))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsubscribed")
}

func TestUnsubscribeRecords(t *testing.T) {
	sink := &recordingSink{}
	h := NewHandler(sink, "https://example.com")
	campaignID := uuid.New()

	rec := serve(h, "GET", fmt.Sprintf("/r/unsubscribe/%s/%s", campaignID, uuid.New()))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sink.unsubs, 1)
	assert.Equal(t, campaignID, sink.unsubs[0])
}

func TestRealIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", realIP(req))

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Real-Ip", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", realIP(req))
}
