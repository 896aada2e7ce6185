package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/eventchain/pkg/experiment"
	"github.com/synaptica-ai/eventchain/pkg/runs"
)

type fakeRuns struct {
	started []*experiment.Config
	stored  map[uuid.UUID]runs.Run
	limit   int
	err     error
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{stored: make(map[uuid.UUID]runs.Run)}
}

func (f *fakeRuns) Start(ctx context.Context, cfg *experiment.Config) (runs.Run, error) {
	if f.err != nil {
		return runs.Run{}, f.err
	}
	f.started = append(f.started, cfg)
	run := runs.Run{ID: uuid.New(), Study: cfg.Name, Status: runs.StatusQueued}
	f.stored[run.ID] = run
	return run, nil
}

func (f *fakeRuns) Get(ctx context.Context, id uuid.UUID) (runs.Run, error) {
	run, ok := f.stored[id]
	if !ok {
		return runs.Run{}, runs.ErrRunNotFound
	}
	return run, nil
}

func (f *fakeRuns) List(ctx context.Context, limit int) ([]runs.Run, error) {
	f.limit = limit
	var out []runs.Run
	for _, r := range f.stored {
		out = append(out, r)
	}
	return out, f.err
}

const study = `{
  "levels": [
    {"level": 0, "events": [{"id": "hf", "category": "diagnosis", "codes": ["I50"]}]},
    {"level": 1, "period": {"min_t": 0, "max_t": 30}, "events": [{"id": "bb", "category": "medication", "codes": ["C07"]}]}
  ]
}`

func serve(t *testing.T, h *Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := serve(t, NewHandler(newFakeRuns()), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCreateStudy(t *testing.T) {
	fake := newFakeRuns()
	rec := serve(t, NewHandler(fake), http.MethodPost, "/api/v1/studies?name=Heart%20Failure", study)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var run runs.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, runs.StatusQueued, run.Status)
	require.Len(t, fake.started, 1)
	assert.Len(t, fake.started[0].Levels, 2)
	assert.Equal(t, run.Study, fake.started[0].Name)
}

func TestCreateStudyRejectsInvalidDefinition(t *testing.T) {
	fake := newFakeRuns()
	h := NewHandler(fake)

	rec := serve(t, h, http.MethodPost, "/api/v1/studies", `{"levels": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, h, http.MethodPost, "/api/v1/studies", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, fake.started)
}

func TestCreateStudyTooLarge(t *testing.T) {
	body := `{"name":"` + strings.Repeat("x", maxStudyBytes) + `"}`
	rec := serve(t, NewHandler(newFakeRuns()), http.MethodPost, "/api/v1/studies", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCreateStudyStartFailure(t *testing.T) {
	fake := newFakeRuns()
	fake.err = errors.New("ledger down")
	rec := serve(t, NewHandler(fake), http.MethodPost, "/api/v1/studies", study)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetRun(t *testing.T) {
	fake := newFakeRuns()
	id := uuid.New()
	fake.stored[id] = runs.Run{ID: id, Study: "hf", Status: runs.StatusCompleted}
	h := NewHandler(fake)

	rec := serve(t, h, http.MethodGet, "/api/v1/runs/"+id.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var run runs.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, id, run.ID)

	rec = serve(t, h, http.MethodGet, "/api/v1/runs/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, h, http.MethodGet, "/api/v1/runs/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRuns(t *testing.T) {
	fake := newFakeRuns()
	id := uuid.New()
	fake.stored[id] = runs.Run{ID: id, Study: "hf"}
	h := NewHandler(fake)

	rec := serve(t, h, http.MethodGet, "/api/v1/runs?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, fake.limit)
	var list []runs.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = serve(t, h, http.MethodGet, "/api/v1/runs?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	rec := serve(t, NewHandler(newFakeRuns()), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "eventchain_studies_started_total")
}
