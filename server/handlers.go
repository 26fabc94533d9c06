package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/petal-labs/flowport/flow"
	"github.com/petal-labs/flowport/importer"
	"github.com/petal-labs/flowport/loader"
)

// ImportEnvelopeContentType selects the JSON envelope form of the import
// endpoint instead of a raw export body.
const ImportEnvelopeContentType = "application/vnd.flowport.import+json"

// importEnvelope wraps an export with per-request options. Content is the
// export itself, either as a JSON value or as a string holding JSON or YAML
// text.
type importEnvelope struct {
	Content    json.RawMessage              `json:"content"`
	SourceName string                       `json:"sourceName,omitempty"`
	Overrides  map[string]importer.Override `json:"overrides,omitempty"`
	Policy     string                       `json:"policy,omitempty"`
	Atomic     *bool                        `json:"atomic,omitempty"`
	Parallel   *bool                        `json:"parallel,omitempty"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleImport imports an export body and returns the import result.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	opts := s.requestDefaults()
	data := body
	if isEnvelope(r) {
		var env importEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			writeError(w, http.StatusBadRequest, "PARSE_ERROR", "invalid import envelope: "+err.Error())
			return
		}
		content, err := envelopeContent(env.Content)
		if err != nil {
			writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
			return
		}
		data = content
		if err := applyEnvelope(&opts, env); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_OPTIONS", err.Error())
			return
		}
	} else if err := applyQuery(&opts, r); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_OPTIONS", err.Error())
		return
	}

	result, err := s.importer.Import(r.Context(), data, opts)
	if err != nil {
		s.logger.Warn("import request failed", "source", opts.SourceName, "error", err)
		writeImportError(w, err)
		return
	}
	s.logger.Info("import request completed",
		"source", opts.SourceName,
		"flow_id", result.Flow.ID,
		"format", result.Format.String(),
		"imported", result.Report.Imported(),
	)
	writeJSON(w, http.StatusCreated, result)
}

// handleDetect classifies an export body without importing it.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	det, err := loader.Detect(body, r.URL.Query().Get("source"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, det)
}

// handleListFlows returns all imported flows.
func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := s.stores.Flows.ListFlows(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if flows == nil {
		flows = []flow.Flow{}
	}
	writeJSON(w, http.StatusOK, flows)
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	writeRecord(w, r, "flow", s.stores.Flows.GetFlow)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	writeRecord(w, r, "agent", s.stores.Agents.GetAgent)
}

func (s *Server) handleGetDataStoreNode(w http.ResponseWriter, r *http.Request) {
	writeRecord(w, r, "data store node", s.stores.DataStoreNodes.GetDataStoreNode)
}

func (s *Server) handleGetIfNode(w http.ResponseWriter, r *http.Request) {
	writeRecord(w, r, "if node", s.stores.IfNodes.GetIfNode)
}

// handleInboxSweep runs one inbox pass immediately.
func (s *Server) handleInboxSweep(w http.ResponseWriter, r *http.Request) {
	if s.inbox == nil {
		writeError(w, http.StatusNotFound, "INBOX_DISABLED", "no inbox directory is configured")
		return
	}
	obs, err := s.inbox.RunOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INBOX_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dir":        obs.Dir,
		"files":      obs.Files,
		"processed":  obs.Processed,
		"failed":     obs.Failed,
		"durationMs": obs.Duration.Milliseconds(),
	})
}

func writeRecord[T any](w http.ResponseWriter, r *http.Request, kind string, get func(context.Context, string) (T, bool, error)) {
	id := r.PathValue("id")
	rec, ok, err := get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("%s %q not found", kind, id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error())
		return nil, false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, "EMPTY_BODY", "request body is empty")
		return nil, false
	}
	return body, true
}

func isEnvelope(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == ImportEnvelopeContentType
}

// envelopeContent accepts the export as an embedded JSON value or as a
// string of export text.
func envelopeContent(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, errors.New("import envelope has no content")
	}
	if trimmed[0] != '"' {
		return trimmed, nil
	}
	var text string
	if err := json.Unmarshal(trimmed, &text); err != nil {
		return nil, fmt.Errorf("invalid envelope content: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("import envelope has no content")
	}
	return []byte(text), nil
}

// requestDefaults copies the server defaults so a request never mutates
// the shared override map.
func (s *Server) requestDefaults() importer.Options {
	opts := s.defaults
	opts.Overrides = make(map[string]importer.Override, len(s.defaults.Overrides))
	for id, o := range s.defaults.Overrides {
		opts.Overrides[id] = o
	}
	return opts
}

func applyEnvelope(opts *importer.Options, env importEnvelope) error {
	if env.SourceName != "" {
		opts.SourceName = env.SourceName
	}
	if env.Policy != "" {
		policy, err := importer.ParsePolicy(env.Policy)
		if err != nil {
			return err
		}
		opts.Policy = policy
	}
	if env.Atomic != nil {
		opts.Atomic = *env.Atomic
	}
	if env.Parallel != nil {
		opts.Parallel = *env.Parallel
	}
	for id, o := range env.Overrides {
		if strings.TrimSpace(o.Provider) == "" || strings.TrimSpace(o.ModelID) == "" {
			return fmt.Errorf("override for %q needs provider and modelId", id)
		}
		opts.Overrides[id] = o
	}
	return nil
}

func applyQuery(opts *importer.Options, r *http.Request) error {
	q := r.URL.Query()
	if v := q.Get("source"); v != "" {
		opts.SourceName = v
	}
	if v := q.Get("policy"); v != "" {
		policy, err := importer.ParsePolicy(v)
		if err != nil {
			return err
		}
		opts.Policy = policy
	}
	for _, flag := range []struct {
		name string
		dst  *bool
	}{
		{"atomic", &opts.Atomic},
		{"parallel", &opts.Parallel},
	} {
		v := q.Get(flag.name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("query parameter %s: %w", flag.name, err)
		}
		*flag.dst = b
	}
	return nil
}

// writeImportError maps an import failure to a status and error code.
func writeImportError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "IMPORT_ERROR"
	switch {
	case errors.Is(err, importer.ErrParse):
		status, code = http.StatusBadRequest, "PARSE_ERROR"
	case errors.Is(err, importer.ErrRead):
		status, code = http.StatusBadRequest, "READ_ERROR"
	case errors.Is(err, importer.ErrUnknownFormat):
		status, code = http.StatusUnprocessableEntity, "UNKNOWN_FORMAT"
	case errors.Is(err, importer.ErrMigration):
		status, code = http.StatusUnprocessableEntity, "MIGRATION_ERROR"
	case errors.Is(err, importer.ErrFlowConstruction):
		status, code = http.StatusUnprocessableEntity, "VALIDATION_ERROR"
	case errors.Is(err, importer.ErrEntityConstruction):
		status, code = http.StatusUnprocessableEntity, "ENTITY_ERROR"
	case errors.Is(err, importer.ErrEntityPersist), errors.Is(err, importer.ErrFlowPersist):
		status, code = http.StatusInternalServerError, "PERSIST_ERROR"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusServiceUnavailable, "CANCELED"
	}

	body := apiError{Error: apiErrorBody{Code: code, Message: err.Error()}}
	var pe *importer.PhaseError
	if errors.As(err, &pe) {
		body.Error.Phase = string(pe.Phase)
	}
	var ve *flow.ValidationError
	if errors.As(err, &ve) {
		for _, d := range flow.Errors(ve.Diagnostics) {
			body.Error.Details = append(body.Error.Details, d.Code+": "+d.Message)
		}
	}
	writeJSON(w, status, body)
}
