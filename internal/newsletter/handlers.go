package newsletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/newsletter-engine/internal/pkg/distlock"
	"github.com/ignite/newsletter-engine/internal/pkg/logger"
)

// Handlers provides the admin HTTP API for the delivery engine.
type Handlers struct {
	store     *Store
	campaigns *CampaignService
	worker    *Worker
	analytics *Analytics
	importer  *Importer

	workerToken string
	batchSize   int
	newLock     func() distlock.DistLock
}

// NewHandlers creates the admin handlers. newLock may be nil when no
// cross-host lock backend is configured.
func NewHandlers(store *Store, campaigns *CampaignService, worker *Worker, analytics *Analytics, workerToken string, batchSize int, newLock func() distlock.DistLock) *Handlers {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Handlers{
		store:       store,
		campaigns:   campaigns,
		worker:      worker,
		analytics:   analytics,
		importer:    NewImporter(store),
		workerToken: workerToken,
		batchSize:   batchSize,
		newLock:     newLock,
	}
}

// Routes mounts the admin API.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/lists", func(r chi.Router) {
		r.Post("/", h.HandleCreateList)
		r.Get("/", h.HandleGetLists)
		r.Get("/{id}", h.HandleGetList)
		r.Post("/{id}/subscribers", h.HandleAddSubscriber)
		r.Delete("/{id}/subscribers/{subscriberID}", h.HandleUnsubscribe)
		r.Post("/{id}/import", h.HandleImportCSV)
		r.Get("/{id}/export", h.HandleExportCSV)
	})

	r.Route("/templates", func(r chi.Router) {
		r.Post("/", h.HandleCreateTemplate)
		r.Get("/{id}", h.HandleGetTemplate)
	})

	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", h.HandleCreateCampaign)
		r.Get("/", h.HandleGetCampaigns)
		r.Get("/{id}", h.HandleGetCampaign)
		r.Put("/{id}/lists", h.HandleAttachLists)
		r.Put("/{id}/status", h.HandleSetStatus)
		r.Post("/{id}/test", h.HandleTestSend)
		r.Get("/{id}/analytics", h.HandleCampaignAnalytics)
	})

	r.Get("/analytics/summary", h.HandleSummary)
	r.Get("/worker/process", h.HandleWorkerProcess)

	return r
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps engine errors onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	var transition *ErrInvalidTransition
	switch {
	case IsValidation(err), errors.As(err, &transition), errors.Is(err, ErrNoRecipients):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	default:
		logger.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func urlUUID(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, name))
}

// List handlers

func (h *Handlers) HandleCreateList(w http.ResponseWriter, r *http.Request) {
	list := &List{}
	if err := json.NewDecoder(r.Body).Decode(list); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if list.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := h.store.CreateList(r.Context(), list); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, list)
}

func (h *Handlers) HandleGetLists(w http.ResponseWriter, r *http.Request) {
	lists, err := h.store.GetLists(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"lists": lists, "total": len(lists)})
}

func (h *Handlers) HandleGetList(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid list id")
		return
	}
	list, err := h.store.GetList(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if list == nil {
		respondError(w, http.StatusNotFound, "list not found")
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *Handlers) HandleAddSubscriber(w http.ResponseWriter, r *http.Request) {
	listID, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid list id")
		return
	}

	var req struct {
		Email      string `json:"email"`
		Name       string `json:"name"`
		Attributes JSON   `json:"attributes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !ValidEmail(req.Email) {
		respondError(w, http.StatusBadRequest, "invalid email")
		return
	}

	sub := &Subscriber{Email: req.Email, Name: req.Name, Attributes: req.Attributes}
	if err := h.store.UpsertSubscriber(r.Context(), sub); err != nil {
		respondDomainError(w, err)
		return
	}
	if err := h.store.SetMembership(r.Context(), sub.ID, listID, MemberSubscribed); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sub)
}

func (h *Handlers) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	listID, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid list id")
		return
	}
	subID, err := urlUUID(r, "subscriberID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid subscriber id")
		return
	}
	if err := h.store.Unsubscribe(r.Context(), subID, listID); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": MemberUnsubscribed})
}

func (h *Handlers) HandleImportCSV(w http.ResponseWriter, r *http.Request) {
	listID, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid list id")
		return
	}
	result, err := h.importer.ImportCSV(r.Context(), listID, r.Body)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handlers) HandleExportCSV(w http.ResponseWriter, r *http.Request) {
	listID, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid list id")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="list-%s.csv"`, listID))
	if err := h.importer.ExportCSV(r.Context(), listID, w); err != nil {
		logger.Error("csv export failed", "list_id", listID, "error", err)
	}
}

// Template handlers

func (h *Handlers) HandleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	t := &Template{}
	if err := json.NewDecoder(r.Body).Decode(t); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.store.CreateTemplate(r.Context(), t); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

func (h *Handlers) HandleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid template id")
		return
	}
	t, err := h.store.GetTemplate(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if t == nil {
		respondError(w, http.StatusNotFound, "template not found")
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// Campaign handlers

func (h *Handlers) HandleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var in CreateCampaignInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	c, err := h.campaigns.Create(r.Context(), in)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

func (h *Handlers) HandleGetCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	campaigns, err := h.store.GetCampaigns(r.Context(), limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"campaigns": campaigns, "total": len(campaigns)})
}

func (h *Handlers) HandleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	c, err := h.store.GetCampaign(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if c == nil {
		respondError(w, http.StatusNotFound, "campaign not found")
		return
	}
	counts, err := h.store.QueueCounts(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"campaign": c, "queue": counts})
}

func (h *Handlers) HandleAttachLists(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	var req struct {
		ListIDs []uuid.UUID `json:"list_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.campaigns.AttachLists(r.Context(), id, req.ListIDs); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"attached": len(req.ListIDs)})
}

func (h *Handlers) HandleSetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	var req struct {
		Status      string     `json:"status"`
		ScheduledAt *time.Time `json:"scheduled_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	result, err := h.campaigns.SetStatus(r.Context(), id, req.Status, req.ScheduledAt)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handlers) HandleTestSend(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	var req struct {
		Emails string `json:"emails"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	emails := splitEmails(req.Emails)
	if len(emails) == 0 {
		respondError(w, http.StatusBadRequest, "no recipient emails given")
		return
	}

	c, err := h.store.GetCampaign(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if c == nil {
		respondError(w, http.StatusNotFound, "campaign not found")
		return
	}
	body, err := h.resolveBody(r.Context(), c)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	results := h.worker.TestSend(r.Context(), c, body, emails)
	respondJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (h *Handlers) resolveBody(ctx context.Context, c *Campaign) (InlineBody, error) {
	source, err := c.ResolveBody()
	if err != nil {
		return InlineBody{}, err
	}
	switch src := source.(type) {
	case InlineBody:
		return src, nil
	case TemplateRef:
		tpl, err := h.store.GetTemplate(ctx, src.ID)
		if err != nil {
			return InlineBody{}, err
		}
		if tpl == nil {
			return InlineBody{}, &ValidationError{Field: "template_id", Message: "template not found"}
		}
		return InlineBody{HTML: tpl.BodyHTML, Text: tpl.BodyText}, nil
	}
	return InlineBody{}, &ValidationError{Field: "body", Message: "unresolvable body source"}
}

func splitEmails(raw string) []string {
	var emails []string
	for _, e := range strings.Split(raw, ",") {
		if e = strings.TrimSpace(e); e != "" {
			emails = append(emails, e)
		}
	}
	return emails
}

// Analytics handlers

func (h *Handlers) HandleCampaignAnalytics(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	report, err := h.analytics.Campaign(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (h *Handlers) HandleSummary(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	report, err := h.analytics.Summary(r.Context(), days)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// Worker trigger

// HandleWorkerProcess runs one bounded delivery batch. It is meant for a
// cron-style external trigger and requires the shared worker token. A
// best-effort distributed lock skips overlapping triggers; the per-item
// atomic claim remains the authoritative double-send guard.
func (h *Handlers) HandleWorkerProcess(w http.ResponseWriter, r *http.Request) {
	if h.workerToken == "" || r.Header.Get("X-Worker-Token") != h.workerToken {
		respondError(w, http.StatusUnauthorized, "missing or invalid worker token")
		return
	}

	if h.newLock != nil {
		lock := h.newLock()
		ok, err := lock.Acquire(r.Context())
		if err != nil {
			logger.Warn("worker lock unavailable, proceeding on claim semantics", "error", err)
		} else if !ok {
			respondJSON(w, http.StatusOK, map[string]interface{}{"processed": 0, "skipped": "another invocation is running"})
			return
		} else {
			defer lock.Release(r.Context())
		}
	}

	summary, err := h.worker.ProcessBatch(r.Context(), h.batchSize)
	if err != nil {
		logger.Error("batch processing failed", "error", err)
		respondError(w, http.StatusInternalServerError, "queue store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, summary)
}
