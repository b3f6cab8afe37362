package newsletter

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerProcessRequiresToken(t *testing.T) {
	h := NewHandlers(nil, nil, nil, nil, "secret", 10, nil)
	router := h.Routes()

	cases := []struct {
		name  string
		token string
		code  int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong token", "nope", http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/worker/process", nil)
			if tc.token != "" {
				req.Header.Set("X-Worker-Token", tc.token)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestWorkerProcessRejectedWhenNoTokenConfigured(t *testing.T) {
	// An empty configured token disables the endpoint instead of opening it.
	h := NewHandlers(nil, nil, nil, nil, "", 10, nil)
	req := httptest.NewRequest("GET", "/worker/process", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateListValidation(t *testing.T) {
	h := NewHandlers(NewStore(nil), nil, nil, nil, "t", 10, nil)

	req := httptest.NewRequest("POST", "/lists", strings.NewReader(`{"name":""}`))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "name is required")
}

func TestInvalidUUIDPathParam(t *testing.T) {
	h := NewHandlers(NewStore(nil), nil, nil, nil, "t", 10, nil)

	req := httptest.NewRequest("GET", "/campaigns/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddSubscriberRejectsBadEmail(t *testing.T) {
	h := NewHandlers(NewStore(nil), nil, nil, nil, "t", 10, nil)

	req := httptest.NewRequest("POST",
		"/lists/6ba7b810-9dad-11d1-80b4-00c04fd430c8/subscribers",
		strings.NewReader(`{"email":"not-an-email"}`))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid email")
}

func TestSplitEmails(t *testing.T) {
	emails := splitEmails(" a@example.com, ,b@example.com,")
	require.Len(t, emails, 2)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, emails)
}

func TestRespondDomainErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&ValidationError{Field: "x", Message: "bad"}, http.StatusBadRequest},
		{&ErrInvalidTransition{From: "completed", To: "running"}, http.StatusBadRequest},
		{ErrNoRecipients, http.StatusBadRequest},
		{ErrNotFound, http.StatusNotFound},
		{assert.AnError, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		respondDomainError(rec, tc.err)
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
	}
}
