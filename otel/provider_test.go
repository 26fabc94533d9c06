package otel_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/flowport/idgen"
	"github.com/petal-labs/flowport/importer"
	flowotel "github.com/petal-labs/flowport/otel"
	"github.com/petal-labs/flowport/store"
)

// collector records the paths OTLP exporters post to.
type collector struct {
	mu    sync.Mutex
	paths map[string]int
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.paths[r.URL.Path]++
	c.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (c *collector) count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paths[path]
}

func TestSetup_ExportsTracesAndMetricsOverOTLP(t *testing.T) {
	for name, suffix := range map[string]string{"base": "", "trace path": "/v1/traces"} {
		t.Run(name, func(t *testing.T) {
			c := &collector{paths: map[string]int{}}
			srv := httptest.NewServer(c)
			defer srv.Close()

			tel, err := flowotel.Setup(context.Background(), flowotel.Config{
				ServiceName:    "flowport-test",
				OTLPEndpoint:   srv.URL + suffix,
				MetricInterval: time.Hour,
			})
			if err != nil {
				t.Fatalf("Setup: %v", err)
			}

			imp := importer.NewForBackend(store.NewMemory(),
				importer.WithGenerator(idgen.NewSequence("n")),
				importer.WithEventHandler(tel.Handler()),
			)
			const export = `{"name": "t", "agents": {},
				"nodes": [{"id": "start-node", "type": "start"}, {"id": "end-node", "type": "end"}],
				"edges": [{"id": "e", "source": "start-node", "target": "end-node"}]}`
			if _, err := imp.Import(context.Background(), []byte(export), importer.Options{SourceName: "t.json"}); err != nil {
				t.Fatalf("Import: %v", err)
			}

			// Shutdown flushes the span batch and runs a final metric export.
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := tel.Shutdown(ctx); err != nil {
				t.Fatalf("Shutdown: %v", err)
			}

			if c.count("/v1/traces") == 0 {
				t.Errorf("no trace export, paths = %v", c.paths)
			}
			if c.count("/v1/metrics") == 0 {
				t.Errorf("no metric export, paths = %v", c.paths)
			}
		})
	}
}

func TestSetup_InvalidEndpoint(t *testing.T) {
	_, err := flowotel.Setup(context.Background(), flowotel.Config{OTLPEndpoint: "http://"})
	if err == nil {
		t.Fatal("expected error for endpoint without host")
	}
}
