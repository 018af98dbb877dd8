package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ownerKey struct{}

// headerIdentity trusts an X-Owner header, standing in for token auth.
type headerIdentity struct{}

func (headerIdentity) RequireAuthenticatedUser(ctx context.Context) (string, error) {
	owner, _ := ctx.Value(ownerKey{}).(string)
	if owner == "" {
		return "", errors.New("unauthenticated")
	}
	return owner, nil
}

func newTestRouter(t *testing.T) (http.Handler, *Service) {
	t.Helper()
	svc, _, _ := newTestService(t)
	h := NewHandler(svc, headerIdentity{}, nil)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if owner := r.Header.Get("X-Owner"); owner != "" {
				r = r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner))
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Mount("/api/agents", h.Routes())
	return r, svc
}

func do(t *testing.T, h http.Handler, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if owner != "" {
		req.Header.Set("X-Owner", owner)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerRequiresIdentity(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := do(t, h, http.MethodGet, "/api/agents/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerCreateValidationError(t *testing.T) {
	h, _ := newTestRouter(t)
	in := validInput()
	in.Name = ""
	in.Timeframe = "2h"

	rec := do(t, h, http.MethodPost, "/api/agents/", "alice", in)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body struct {
		Error struct {
			Code   string       `json:"code"`
			Fields []FieldError `json:"fields"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "VALIDATION", body.Error.Code)
	require.Len(t, body.Error.Fields, 2)
	assert.Equal(t, FieldError{Field: "name", Code: CodeRequired, Message: "name is required"}, body.Error.Fields[0])
	assert.Equal(t, "timeframe", body.Error.Fields[1].Field)
}

func TestHandlerLifecycleAndRuns(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/api/agents/", "alice", validInput())
	require.Equal(t, http.StatusCreated, rec.Code)
	var def Definition
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&def))
	base := "/api/agents/" + def.ID.String()

	rec = do(t, h, http.MethodGet, base, "bob", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, base+"/pause", "alice", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, base+"/activate", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, base+"/schedule", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sched scheduleResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sched))
	assert.NotNil(t, sched.NextRunAt)

	rec = do(t, h, http.MethodPost, base+"/runs", "alice", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var run Run
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&run))

	rec = do(t, h, http.MethodPost, base+"/runs", "alice", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	outcomePath := base + "/runs/" + run.ID.String() + "/outcome"
	rec = do(t, h, http.MethodPost, outcomePath, "alice", Outcome{Kind: OutcomeSucceeded, SignalIDs: []string{"s1"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, outcomePath, "alice", Outcome{Kind: OutcomeFailed})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, base+"/runs", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs listResponse[Run]
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&runs))
	require.Len(t, runs.Data, 1)
	assert.Equal(t, []string{"s1"}, runs.Data[0].SignalIDs)

	rec = do(t, h, http.MethodDelete, base, "alice", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, base, "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerBadIDs(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := do(t, h, http.MethodGet, "/api/agents/not-a-uuid", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/agents/", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerListEmpty(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := do(t, h, http.MethodGet, "/api/agents/", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":[]}`, rec.Body.String())
}
