package tracking

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/newsletter-engine/internal/pkg/logger"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Handler serves the open pixel, the click redirect and the unsubscribe
// page. Recording is best-effort: a broken id, a vanished campaign or a
// down database never changes what the subscriber sees.
type Handler struct {
	sink EventSink
	// defaultRedirect is where clicks land when the target URL is
	// missing or unparseable.
	defaultRedirect string
}

func NewHandler(sink EventSink, defaultRedirect string) *Handler {
	if defaultRedirect == "" {
		defaultRedirect = "/"
	}
	return &Handler{sink: sink, defaultRedirect: defaultRedirect}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/r/open/{campaignID}/{subscriberID}", h.HandleOpen)
	r.Get("/r/click", h.HandleClick)
	r.Get("/r/unsubscribe/{campaignID}/{subscriberID}", h.HandleUnsubscribe)
	r.Get("/health", h.HandleHealth)
	return r
}

func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	campaignID, subscriberID, ok := pathIDs(r)
	if ok {
		if err := h.sink.RecordOpen(r.Context(), campaignID, subscriberID); err != nil {
			logger.Warn("open event dropped", "campaign_id", campaignID, "error", err)
		} else {
			logger.Debug("open", "campaign_id", campaignID, "ip", realIP(r))
		}
	}
	h.servePixel(w)
}

func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := sanitizeTarget(q.Get("url"))
	if target == "" {
		target = h.defaultRedirect
	}

	campaignID, cErr := uuid.Parse(q.Get("cid"))
	subscriberID, sErr := uuid.Parse(q.Get("sid"))
	if cErr == nil && sErr == nil {
		if err := h.sink.RecordClick(r.Context(), campaignID, subscriberID, target); err != nil {
			logger.Warn("click event dropped", "campaign_id", campaignID, "error", err)
		} else {
			logger.Debug("click", "campaign_id", campaignID, "url", target, "ip", realIP(r))
		}
	}

	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	campaignID, subscriberID, ok := pathIDs(r)
	if ok {
		if err := h.sink.RecordUnsubscribe(r.Context(), campaignID, subscriberID); err != nil {
			logger.Warn("unsubscribe dropped", "campaign_id", campaignID, "error", err)
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html><html><body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
		<h1>You have been unsubscribed</h1>
		<p>You will no longer receive emails from us.</p>
	</body></html>`))
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}

// pathIDs parses both URL ids. Test sends carry a synthetic non-UUID
// subscriber id, so a parse failure is the normal "serve, don't record"
// path rather than an error.
func pathIDs(r *http.Request) (campaignID, subscriberID uuid.UUID, ok bool) {
	campaignID, cErr := uuid.Parse(chi.URLParam(r, "campaignID"))
	subscriberID, sErr := uuid.Parse(chi.URLParam(r, "subscriberID"))
	return campaignID, subscriberID, cErr == nil && sErr == nil
}

// sanitizeTarget rejects redirect targets that are not plain http(s)
// URLs so the collector cannot be used as an open redirector for
// javascript: and friends.
func sanitizeTarget(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return raw
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
