package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/petal-labs/flowport/bus"
	"github.com/petal-labs/flowport/entity"
	"github.com/petal-labs/flowport/flow"
	"github.com/petal-labs/flowport/idgen"
	"github.com/petal-labs/flowport/importer"
	"github.com/petal-labs/flowport/inbox"
	"github.com/petal-labs/flowport/store"
)

const legacyExport = `{
	"name": "Two step",
	"nodes": [
		{"id": "start-node", "type": "start"},
		{"id": "a1", "type": "agent"},
		{"id": "a2", "type": "agent"},
		{"id": "end-node", "type": "end"}
	],
	"edges": [
		{"id": "e1", "source": "start-node", "target": "a1"},
		{"id": "e2", "source": "a1", "target": "a2"},
		{"id": "e3", "source": "a2", "target": "end-node"}
	],
	"agents": {
		"a1": {"id": "a1", "name": "Drafter", "provider": "openai", "modelId": "gpt-4o",
			"prompt": [{"type": "plain", "role": "system", "content": "Draft a reply."}]},
		"a2": {"id": "a2", "name": "Reviewer", "provider": "openai", "modelId": "gpt-4o-mini",
			"prompt": [{"type": "plain", "role": "user", "content": "{{a1.output}}"}]}
	}
}`

const yamlExport = `
name: From YAML
nodes:
  - {id: start-node, type: start}
  - {id: a1, type: agent}
  - {id: end-node, type: end}
edges:
  - {id: e1, source: start-node, target: a1}
  - {id: e2, source: a1, target: end-node}
agents:
  a1:
    id: a1
    name: Solo
    provider: openai
    modelId: gpt-4o
    prompt:
      - {type: plain, role: system, content: Hi}
`

// testServer creates a Server over a memory store with sequential ids.
func testServer(t *testing.T, cfg ServerConfig) (*Server, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Importer = importer.NewForBackend(mem,
		importer.WithGenerator(idgen.NewSequence("n")),
		importer.WithLogger(logger),
	)
	cfg.Stores = store.StoresOf(mem)
	cfg.Logger = logger
	return NewServer(cfg), mem
}

func do(t *testing.T, srv *Server, method, target, contentType string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, target, reader)
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return v
}

type importResponse struct {
	ImportID string            `json:"importId"`
	Flow     flow.Flow         `json:"flow"`
	Format   string            `json:"format"`
	IDMap    map[string]string `json:"idMap"`
	Report   importer.Report   `json:"report"`
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(t, ServerConfig{})
	w := do(t, srv, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", w.Code, http.StatusOK)
	}
	if body := decode[map[string]string](t, w); body["status"] != "ok" {
		t.Fatalf("got status %q, want %q", body["status"], "ok")
	}
}

func TestCORS(t *testing.T) {
	srv, _ := testServer(t, ServerConfig{CORSOrigin: "https://editor.example"})

	w := do(t, srv, http.MethodGet, "/health", "", "")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://editor.example" {
		t.Fatalf("CORS origin = %q", got)
	}

	w = do(t, srv, http.MethodOptions, "/api/flows/import", "", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("OPTIONS status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

func TestImport_RawBody(t *testing.T) {
	srv, mem := testServer(t, ServerConfig{})
	w := do(t, srv, http.MethodPost, "/api/flows/import?source=two-step.json", "application/json", legacyExport)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	res := decode[importResponse](t, w)
	if res.Format != "legacy_flow" {
		t.Errorf("format = %q", res.Format)
	}
	if res.Flow.ID != "n-3" {
		t.Errorf("flow id = %q, want n-3", res.Flow.ID)
	}
	if res.IDMap["a1"] != "n-1" || res.IDMap["a2"] != "n-2" {
		t.Errorf("idMap = %v", res.IDMap)
	}
	if res.Report.Counts[flow.KindAgent].Imported != 2 {
		t.Errorf("report = %+v", res.Report)
	}

	if _, ok, _ := mem.GetFlow(context.Background(), "n-3"); !ok {
		t.Error("flow not persisted")
	}
}

func TestImport_EnvelopeWithOverrides(t *testing.T) {
	srv, _ := testServer(t, ServerConfig{})
	env := map[string]any{
		"content":   json.RawMessage(legacyExport),
		"overrides": map[string]any{"a1": map[string]string{"provider": "anthropic", "modelId": "claude-3-5-sonnet"}},
		"policy":    "strict",
	}
	payload, _ := json.Marshal(env)

	w := do(t, srv, http.MethodPost, "/api/flows/import", ImportEnvelopeContentType, string(payload))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	w = do(t, srv, http.MethodGet, "/api/agents/n-1", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET agent status = %d", w.Code)
	}
	a := decode[entity.Agent](t, w)
	if a.Provider != "anthropic" || a.ModelID != "claude-3-5-sonnet" {
		t.Errorf("agent = %+v, want override applied", a)
	}
}

func TestImport_EnvelopeYAMLString(t *testing.T) {
	srv, _ := testServer(t, ServerConfig{})
	payload, _ := json.Marshal(map[string]any{"content": yamlExport, "sourceName": "solo.yaml"})

	w := do(t, srv, http.MethodPost, "/api/flows/import", ImportEnvelopeContentType+"; charset=utf-8", string(payload))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if res := decode[importResponse](t, w); res.Flow.Name != "From YAML" {
		t.Errorf("flow name = %q", res.Flow.Name)
	}
}

func TestImport_DefaultOverridesNotShared(t *testing.T) {
	defaults := importer.Options{
		Overrides: map[string]importer.Override{"a2": {Provider: "groq", ModelID: "llama-3"}},
	}
	srv, _ := testServer(t, ServerConfig{Defaults: defaults})
	payload, _ := json.Marshal(map[string]any{
		"content":   json.RawMessage(legacyExport),
		"overrides": map[string]any{"a1": map[string]string{"provider": "anthropic", "modelId": "claude"}},
	})

	w := do(t, srv, http.MethodPost, "/api/flows/import", ImportEnvelopeContentType, string(payload))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(defaults.Overrides) != 1 {
		t.Errorf("request mutated server defaults: %v", defaults.Overrides)
	}

	w = do(t, srv, http.MethodGet, "/api/agents/n-2", "", "")
	if a := decode[entity.Agent](t, w); a.Provider != "groq" {
		t.Errorf("default override not applied: %+v", a)
	}
}

func TestImport_Errors(t *testing.T) {
	tests := []struct {
		name        string
		target      string
		contentType string
		body        string
		status      int
		code        string
		phase       string
	}{
		{"empty body", "/api/flows/import", "", "   ", http.StatusBadRequest, "EMPTY_BODY", ""},
		{"malformed", "/api/flows/import", "", `{"nodes": [`, http.StatusBadRequest, "PARSE_ERROR", "parse"},
		{"unknown format", "/api/flows/import", "", `{"steps": []}`, http.StatusUnprocessableEntity, "UNKNOWN_FORMAT", "detect"},
		{"migration", "/api/flows/import", "", `{"prompts": [], "prompt_order": []}`, http.StatusUnprocessableEntity, "MIGRATION_ERROR", "normalize"},
		{"no end node", "/api/flows/import", "", `{"name": "x", "agents": {}, "nodes": [{"id": "start-node", "type": "start"}]}`,
			http.StatusUnprocessableEntity, "VALIDATION_ERROR", "assemble"},
		{"bad policy", "/api/flows/import?policy=sometimes", "", legacyExport, http.StatusBadRequest, "INVALID_OPTIONS", ""},
		{"bad atomic", "/api/flows/import?atomic=maybe", "", legacyExport, http.StatusBadRequest, "INVALID_OPTIONS", ""},
		{"bad envelope", "/api/flows/import", ImportEnvelopeContentType, `{"content": `, http.StatusBadRequest, "PARSE_ERROR", ""},
		{"envelope without content", "/api/flows/import", ImportEnvelopeContentType, `{"sourceName": "x.json"}`, http.StatusBadRequest, "PARSE_ERROR", ""},
		{"envelope bad override", "/api/flows/import", ImportEnvelopeContentType,
			`{"content": {}, "overrides": {"a1": {"provider": "openai"}}}`, http.StatusBadRequest, "INVALID_OPTIONS", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, mem := testServer(t, ServerConfig{})
			w := do(t, srv, http.MethodPost, tt.target, tt.contentType, tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
			body := decode[apiError](t, w)
			if body.Error.Code != tt.code {
				t.Errorf("code = %q, want %q", body.Error.Code, tt.code)
			}
			if body.Error.Phase != tt.phase {
				t.Errorf("phase = %q, want %q", body.Error.Phase, tt.phase)
			}
			if flows, _ := mem.ListFlows(context.Background()); len(flows) != 0 {
				t.Errorf("failed request persisted %d flows", len(flows))
			}
		})
	}
}

func TestImport_ValidationDetails(t *testing.T) {
	srv, _ := testServer(t, ServerConfig{})
	w := do(t, srv, http.MethodPost, "/api/flows/import", "",
		`{"name": "x", "agents": {}, "nodes": [{"id": "start-node", "type": "start"}]}`)
	body := decode[apiError](t, w)
	if len(body.Error.Details) == 0 {
		t.Fatalf("expected diagnostics in details, got %+v", body.Error)
	}
}

func TestImport_BodyTooLarge(t *testing.T) {
	srv, _ := testServer(t, ServerConfig{MaxBody: 16})
	w := do(t, srv, http.MethodPost, "/api/flows/import", "", legacyExport)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
	}
	if body := decode[apiError](t, w); body.Error.Code != "BODY_TOO_LARGE" {
		t.Errorf("code = %q", body.Error.Code)
	}
}

func TestDetect(t *testing.T) {
	srv, _ := testServer(t, ServerConfig{})

	w := do(t, srv, http.MethodPost, "/api/flows/detect", "", `{"prompts": [], "prompt_order": []}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	det := decode[map[string]string](t, w)
	if det["format"] != "third_party_prompt_export" || det["reason"] == "" {
		t.Errorf("detection = %v", det)
	}

	w = do(t, srv, http.MethodPost, "/api/flows/detect?source=solo.yaml", "", yamlExport)
	if det := decode[map[string]string](t, w); det["format"] != "legacy_flow" {
		t.Errorf("yaml detection = %v", det)
	}

	w = do(t, srv, http.MethodPost, "/api/flows/detect", "", `[`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed status = %d", w.Code)
	}
}

func TestReadEndpoints(t *testing.T) {
	srv, _ := testServer(t, ServerConfig{})

	w := do(t, srv, http.MethodGet, "/api/flows", "", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("empty list = %d %q", w.Code, w.Body.String())
	}

	if w := do(t, srv, http.MethodPost, "/api/flows/import", "", legacyExport); w.Code != http.StatusCreated {
		t.Fatalf("import status = %d", w.Code)
	}

	flows := decode[[]flow.Flow](t, do(t, srv, http.MethodGet, "/api/flows", "", ""))
	if len(flows) != 1 || flows[0].ID != "n-3" {
		t.Fatalf("flows = %+v", flows)
	}

	got := decode[flow.Flow](t, do(t, srv, http.MethodGet, "/api/flows/n-3", "", ""))
	if len(got.Nodes) != 4 || len(got.Edges) != 3 {
		t.Errorf("flow = %+v", got)
	}

	for _, target := range []string{
		"/api/flows/missing",
		"/api/agents/missing",
		"/api/data-store-nodes/missing",
		"/api/if-nodes/missing",
	} {
		w := do(t, srv, http.MethodGet, target, "", "")
		if w.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", target, w.Code)
		}
		if body := decode[apiError](t, w); body.Error.Code != "NOT_FOUND" {
			t.Errorf("GET %s code = %q", target, body.Error.Code)
		}
	}
}

type fakeSweeper struct {
	obs inbox.SweepObservation
	err error
	n   int
}

func (f *fakeSweeper) RunOnce(context.Context) (inbox.SweepObservation, error) {
	f.n++
	return f.obs, f.err
}

func TestInboxSweep(t *testing.T) {
	srv, _ := testServer(t, ServerConfig{})
	if w := do(t, srv, http.MethodPost, "/api/inbox/sweep", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("disabled inbox status = %d, want 404", w.Code)
	}

	sweeper := &fakeSweeper{obs: inbox.SweepObservation{Dir: "/in", Files: 3, Processed: 2, Failed: 1}}
	srv, _ = testServer(t, ServerConfig{Inbox: sweeper})
	w := do(t, srv, http.MethodPost, "/api/inbox/sweep", "", "")
	if w.Code != http.StatusOK || sweeper.n != 1 {
		t.Fatalf("status = %d, sweeps = %d", w.Code, sweeper.n)
	}
	body := decode[map[string]any](t, w)
	if body["processed"] != float64(2) || body["failed"] != float64(1) {
		t.Errorf("body = %v", body)
	}

	sweeper.err = errors.New("disk gone")
	if w := do(t, srv, http.MethodPost, "/api/inbox/sweep", "", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("failing sweep status = %d", w.Code)
	}
}

func TestWriteImportError_PersistAndCancel(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&importer.PhaseError{Phase: importer.PhaseCommit, Kind: importer.ErrFlowPersist, Err: errors.New("disk")},
			http.StatusInternalServerError, "PERSIST_ERROR"},
		{&importer.PhaseError{Phase: importer.PhaseEntities, Kind: importer.ErrEntityConstruction, Err: errors.New("bad")},
			http.StatusUnprocessableEntity, "ENTITY_ERROR"},
		{context.Canceled, http.StatusServiceUnavailable, "CANCELED"},
		{errors.New("other"), http.StatusInternalServerError, "IMPORT_ERROR"},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		writeImportError(w, tt.err)
		if w.Code != tt.status {
			t.Errorf("%v: status = %d, want %d", tt.err, w.Code, tt.status)
		}
		var body apiError
		_ = json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&body)
		if body.Error.Code != tt.code {
			t.Errorf("%v: code = %q, want %q", tt.err, body.Error.Code, tt.code)
		}
	}
}

func TestEventRoutes(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		srv, _ := testServer(t, ServerConfig{})
		w := do(t, srv, http.MethodGet, "/api/imports/imp-1/events", "", "")
		if w.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", w.Code)
		}
	})

	t.Run("replay", func(t *testing.T) {
		events := bus.NewMemEventStore(0)
		eb := bus.NewMemBus(bus.MemBusConfig{})
		defer eb.Close()

		ctx := context.Background()
		for i, kind := range []importer.EventKind{importer.EventImportStarted, importer.EventImportFinished} {
			e := importer.NewEvent(kind, "imp-1")
			e.Seq = uint64(i + 1)
			if err := events.Append(ctx, e); err != nil {
				t.Fatal(err)
			}
		}

		srv, _ := testServer(t, ServerConfig{Events: events, Bus: eb})
		w := do(t, srv, http.MethodGet, "/api/imports/imp-1/events", "", "")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
			t.Errorf("content type = %q", ct)
		}
		if got := w.Body.String(); !strings.Contains(got, "id: 2\nevent: import.finished") {
			t.Errorf("body = %q", got)
		}
	})
}
