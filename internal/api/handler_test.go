package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mhabedinpour-collector/collector/internal/api"
	"github.com/mhabedinpour-collector/collector/pkg/domain"
)

type fakeJobStore struct {
	created bool
}

func (j *fakeJobStore) Enqueue(context.Context, string, string, int) (bool, error) {
	return j.created, nil
}

func (j *fakeJobStore) Claim(context.Context, int) ([]domain.Job, error) { return nil, nil }
func (j *fakeJobStore) Complete(context.Context, domain.JobID) error     { return nil }

func (j *fakeJobStore) Fail(context.Context, domain.JobID, string, bool, int) error { return nil }

func (j *fakeJobStore) CountByStatus(context.Context) (map[domain.JobStatus]int, error) {
	return nil, nil
}

func (j *fakeJobStore) Close() error { return nil }

func TestHandler_Healthz(t *testing.T) {
	h := api.NewHandler(api.Deps{Jobs: &fakeJobStore{}})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.Healthz(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestHandler_EnqueueRepo_Created(t *testing.T) {
	h := api.NewHandler(api.Deps{Jobs: &fakeJobStore{created: true}})

	body, err := json.Marshal(map[string]any{"owner": "octo", "name": "hello", "priority": 5})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/repos", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.EnqueueRepo(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestHandler_EnqueueRepo_RejectsMalformedFullName(t *testing.T) {
	h := api.NewHandler(api.Deps{Jobs: &fakeJobStore{}})

	body, err := json.Marshal(map[string]any{"owner": "octo/evil", "name": "hello"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/repos", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.EnqueueRepo(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_EnqueueRepo_RejectsMissingFields(t *testing.T) {
	h := api.NewHandler(api.Deps{Jobs: &fakeJobStore{}})

	body, err := json.Marshal(map[string]any{"owner": "octo"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/repos", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.EnqueueRepo(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
