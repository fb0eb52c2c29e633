package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/miradorstack/mirador-incident/internal/config"
	"github.com/miradorstack/mirador-incident/internal/engine"
	"github.com/miradorstack/mirador-incident/internal/ingest"
	"github.com/miradorstack/mirador-incident/internal/models"
)

type fakeEngine struct {
	submitErr   error
	submitted   []string
	incidents   []models.Incident
	actions     []models.RemediationAction
	occurrences []models.Occurrence
	approveErr  error
	approved    []string
}

func (f *fakeEngine) Submit(_ context.Context, source string, raw map[string]any) (models.Alert, error) {
	if f.submitErr != nil {
		return models.Alert{}, f.submitErr
	}
	f.submitted = append(f.submitted, source)
	return models.Alert{Source: source, Resource: "api-gw-1", Metric: "4XXError"}, nil
}

func (f *fakeEngine) ListIncidents(state models.IncidentState, pageSize int, pageToken string) ([]models.Incident, string) {
	out := make([]models.Incident, 0, len(f.incidents))
	for _, inc := range f.incidents {
		if state != "" && inc.State != state {
			continue
		}
		out = append(out, inc)
	}
	if pageSize > 0 && len(out) > pageSize {
		return out[:pageSize], fmt.Sprintf("%d", pageSize)
	}
	return out, ""
}

func (f *fakeEngine) GetIncident(id string) (models.Incident, bool) {
	for _, inc := range f.incidents {
		if inc.ID == id {
			return inc, true
		}
	}
	return models.Incident{}, false
}

func (f *fakeEngine) ActionsFor(incidentID string) []models.RemediationAction {
	out := make([]models.RemediationAction, 0, len(f.actions))
	for _, a := range f.actions {
		if a.IncidentID == incidentID {
			out = append(out, a)
		}
	}
	return out
}

func (f *fakeEngine) ActiveOccurrences() []models.Occurrence { return f.occurrences }

func (f *fakeEngine) Approve(actionID string) error {
	if f.approveErr != nil {
		return f.approveErr
	}
	f.approved = append(f.approved, actionID)
	return nil
}

func newTestServer(fake *fakeEngine) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(config.ServerConfig{Address: ":0"}, fake, nil, logger)
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestIngestEventAccepted(t *testing.T) {
	fake := &fakeEngine{}
	s := newTestServer(fake)

	rec := doRequest(s, http.MethodPost, "/api/v1/events/cloudwatch",
		`{"resource":"api-gw-1","metric":"4XXError","timestamp":"2025-06-01T10:00:00Z"}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["fingerprint"] == "" {
		t.Fatal("expected fingerprint in response")
	}
	if len(fake.submitted) != 1 || fake.submitted[0] != "cloudwatch" {
		t.Fatalf("expected submit for cloudwatch, got %v", fake.submitted)
	}
}

func TestIngestEventRejectsBadJSON(t *testing.T) {
	s := newTestServer(&fakeEngine{})

	rec := doRequest(s, http.MethodPost, "/api/v1/events/cloudwatch", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestIngestEventRejectsMalformedEvent(t *testing.T) {
	fake := &fakeEngine{submitErr: &ingest.MalformedEventError{Source: "cloudwatch", Field: "resource"}}
	s := newTestServer(fake)

	rec := doRequest(s, http.MethodPost, "/api/v1/events/cloudwatch", `{"metric":"4XXError"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed event, got %d", rec.Code)
	}
}

func TestIngestEventEngineUnavailable(t *testing.T) {
	fake := &fakeEngine{submitErr: fmt.Errorf("engine stopped")}
	s := newTestServer(fake)

	rec := doRequest(s, http.MethodPost, "/api/v1/events/cloudwatch", `{"resource":"r"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestListIncidentsFiltersByState(t *testing.T) {
	now := time.Now().UTC()
	fake := &fakeEngine{incidents: []models.Incident{
		{ID: "inc-1", State: models.IncidentOpen, CreatedAt: now},
		{ID: "inc-2", State: models.IncidentEscalated, CreatedAt: now},
	}}
	s := newTestServer(fake)

	rec := doRequest(s, http.MethodGet, "/api/v1/incidents?state=escalated", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Incidents []models.Incident `json:"incidents"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Incidents) != 1 || resp.Incidents[0].ID != "inc-2" {
		t.Fatalf("expected only escalated incident, got %+v", resp.Incidents)
	}
}

func TestGetIncidentNotFound(t *testing.T) {
	s := newTestServer(&fakeEngine{})

	rec := doRequest(s, http.MethodGet, "/api/v1/incidents/absent", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListActionsForIncident(t *testing.T) {
	fake := &fakeEngine{actions: []models.RemediationAction{
		{ID: "act-1", IncidentID: "inc-1", Kind: models.ActionScale},
		{ID: "act-2", IncidentID: "inc-2", Kind: models.ActionNotify},
	}}
	s := newTestServer(fake)

	rec := doRequest(s, http.MethodGet, "/api/v1/incidents/inc-1/actions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Actions []models.RemediationAction `json:"actions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Actions) != 1 || resp.Actions[0].ID != "act-1" {
		t.Fatalf("expected single action for inc-1, got %+v", resp.Actions)
	}
}

func TestListOccurrences(t *testing.T) {
	fake := &fakeEngine{occurrences: []models.Occurrence{
		{Fingerprint: "fp-1", Resource: "api-gw-1", Count: 3},
	}}
	s := newTestServer(fake)

	rec := doRequest(s, http.MethodGet, "/api/v1/occurrences", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Occurrences []models.Occurrence `json:"occurrences"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Occurrences) != 1 || resp.Occurrences[0].Count != 3 {
		t.Fatalf("unexpected occurrences: %+v", resp.Occurrences)
	}
}

func TestApproveAction(t *testing.T) {
	fake := &fakeEngine{}
	s := newTestServer(fake)

	rec := doRequest(s, http.MethodPost, "/api/v1/actions/act-1/approve", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(fake.approved) != 1 || fake.approved[0] != "act-1" {
		t.Fatalf("expected approval for act-1, got %v", fake.approved)
	}
}

func TestApproveUnknownActionAnswers404(t *testing.T) {
	fake := &fakeEngine{approveErr: fmt.Errorf("%w: act-9", engine.ErrUnknownAction)}
	s := newTestServer(fake)

	rec := doRequest(s, http.MethodPost, "/api/v1/actions/act-9/approve", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(&fakeEngine{})

	rec := doRequest(s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestStreamUnavailableWithoutHub(t *testing.T) {
	s := newTestServer(&fakeEngine{})

	rec := doRequest(s, http.MethodGet, "/api/v1/stream", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without hub, got %d", rec.Code)
	}
}
