// Package sse streams import events to HTTP clients as Server-Sent Events.
// A per-import stream replays the journal and then follows the live bus; a
// feed stream follows every import live.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/flowport/bus"
	"github.com/petal-labs/flowport/importer"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
var HeartbeatInterval = 15 * time.Second

// sseEvent is the JSON-serializable representation of an import event
// sent over the SSE stream.
type sseEvent struct {
	Kind       string         `json:"kind"`
	ImportID   string         `json:"import_id"`
	Seq        uint64         `json:"seq"`
	Time       time.Time      `json:"time"`
	Phase      string         `json:"phase,omitempty"`
	EntityKind string         `json:"entity_kind,omitempty"`
	OldID      string         `json:"old_id,omitempty"`
	NewID      string         `json:"new_id,omitempty"`
	ElapsedMs  int64          `json:"elapsed_ms"`
	Error      string         `json:"error,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	SpanID     string         `json:"span_id,omitempty"`
}

func toSSEEvent(e importer.Event) sseEvent {
	out := sseEvent{
		Kind:       string(e.Kind),
		ImportID:   e.ImportID,
		Seq:        e.Seq,
		Time:       e.Time,
		Phase:      string(e.Phase),
		EntityKind: string(e.EntityKind),
		OldID:      e.OldID,
		NewID:      e.NewID,
		ElapsedMs:  e.Elapsed.Milliseconds(),
		Payload:    e.Payload,
		TraceID:    e.TraceID,
		SpanID:     e.SpanID,
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return out
}

// terminal reports whether e ends an import's stream.
func terminal(e importer.Event) bool {
	return e.Kind == importer.EventImportFinished || e.Kind == importer.EventImportFailed
}

// SSEHandler serves an SSE stream of the events of one import. It first
// replays stored events from the EventStore, then subscribes to live
// events via the EventBus. Duplicate events (by sequence number) are skipped.
//
// The handler expects an "import_id" path value and an optional "after"
// query parameter holding the last-seen sequence number.
//
// SSE format:
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// The stream closes after import.finished or import.failed, or when the
// client disconnects.
type SSEHandler struct {
	store bus.EventStore
	bus   bus.EventBus
}

// NewSSEHandler creates a new SSEHandler with the given EventStore and EventBus.
func NewSSEHandler(store bus.EventStore, eb bus.EventBus) *SSEHandler {
	return &SSEHandler{
		store: store,
		bus:   eb,
	}
}

// ServeHTTP implements http.Handler.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	importID := r.PathValue("import_id")
	if importID == "" {
		http.Error(w, "missing import_id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var afterSeq uint64
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		parsed, err := strconv.ParseUint(afterStr, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		afterSeq = parsed
	}

	startStream(w, flusher)
	ctx := r.Context()

	// Subscribe before replaying so events published in between are not
	// lost; duplicates are dropped by sequence number.
	sub := h.bus.Subscribe(importID)
	defer sub.Close()

	lastSeq := afterSeq
	finished, err := h.replayStored(ctx, w, flusher, importID, afterSeq, &lastSeq)
	if err != nil || finished {
		return
	}

	streamLive(ctx, w, flusher, sub, func(evt importer.Event) (bool, bool) {
		if evt.Seq <= lastSeq {
			return false, false
		}
		lastSeq = evt.Seq
		return true, terminal(evt)
	})
}

// replayStored writes stored events to the stream. It returns true once a
// terminal event was sent.
func (h *SSEHandler) replayStored(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	importID string,
	afterSeq uint64,
	lastSeq *uint64,
) (finished bool, err error) {
	events, err := h.store.List(ctx, importID, afterSeq, 0)
	if err != nil {
		return false, err
	}

	for _, evt := range events {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err := writeSSEEvent(w, evt); err != nil {
			return false, err
		}
		flusher.Flush()

		if evt.Seq > *lastSeq {
			*lastSeq = evt.Seq
		}
		if terminal(evt) {
			return true, nil
		}
	}
	return false, nil
}

// FeedHandler streams the live events of every import. It never replays
// and only ends when the client disconnects or the bus closes.
type FeedHandler struct {
	bus bus.EventBus
}

// NewFeedHandler creates a FeedHandler over eb.
func NewFeedHandler(eb bus.EventBus) *FeedHandler {
	return &FeedHandler{bus: eb}
}

// ServeHTTP implements http.Handler.
func (h *FeedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	startStream(w, flusher)

	sub := h.bus.SubscribeAll()
	defer sub.Close()

	streamLive(r.Context(), w, flusher, sub, func(importer.Event) (bool, bool) {
		return true, false
	})
}

func startStream(w http.ResponseWriter, flusher http.Flusher) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
}

// streamLive writes events from sub with heartbeats. accept decides for
// each event whether to send it and whether the stream ends after it.
func streamLive(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sub bus.Subscription,
	accept func(importer.Event) (send, last bool),
) {
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			send, last := accept(evt)
			if !send {
				continue
			}
			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
			if last {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single event in SSE format.
func writeSSEEvent(w http.ResponseWriter, evt importer.Event) error {
	data, err := json.Marshal(toSSEEvent(evt))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Kind, data)
	return err
}
