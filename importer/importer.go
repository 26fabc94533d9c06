// Package importer reconstructs exported flows in the local store. An
// import decodes and classifies the input, normalizes older formats,
// remaps every identifier to a fresh one, saves the entity rows owned by
// nodes and finally saves the flow row, which is the commit point.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/flowport/flow"
	"github.com/petal-labs/flowport/idgen"
	"github.com/petal-labs/flowport/loader"
	"github.com/petal-labs/flowport/remap"
	"github.com/petal-labs/flowport/store"
)

// Result is a committed import.
type Result struct {
	ImportID string    `json:"importId"`
	Flow     flow.Flow `json:"flow"`

	// Format is the detected input format; Canonical is the shape it was
	// imported as.
	Format    loader.Format `json:"format"`
	Canonical loader.Format `json:"canonicalFormat"`

	// IDMap maps every old node id to its new id.
	IDMap  map[string]string `json:"idMap"`
	Report Report            `json:"report"`
}

// Importer runs imports against a set of stores.
type Importer struct {
	stores  store.Stores
	tx      store.Transactor
	gen     idgen.Generator
	logger  *slog.Logger
	handler EventHandler
}

// Option configures an Importer.
type Option func(*Importer)

// WithGenerator sets the id generator. The default is idgen.UUID.
func WithGenerator(g idgen.Generator) Option {
	return func(i *Importer) { i.gen = g }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(i *Importer) { i.logger = l }
}

// WithEventHandler sets a handler that receives import events.
func WithEventHandler(h EventHandler) Option {
	return func(i *Importer) { i.handler = h }
}

// WithTransactor enables Options.Atomic for stores that are not a single
// backend.
func WithTransactor(tx store.Transactor) Option {
	return func(i *Importer) { i.tx = tx }
}

// New creates an Importer over stores.
func New(stores store.Stores, opts ...Option) *Importer {
	imp := &Importer{stores: stores, gen: idgen.UUID}
	for _, opt := range opts {
		opt(imp)
	}
	if imp.logger == nil {
		imp.logger = slog.Default()
	}
	return imp
}

// NewForBackend creates an Importer over every store of b, using b's
// transactions when it supports them.
func NewForBackend(b store.Backend, opts ...Option) *Importer {
	imp := New(store.StoresOf(b), opts...)
	if tx, ok := b.(store.Transactor); ok && imp.tx == nil {
		imp.tx = tx
	}
	return imp
}

// ImportFile reads path and imports it. SourceName defaults to path.
func (imp *Importer) ImportFile(ctx context.Context, path string, opts Options) (*Result, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, phaseErr(PhaseRead, ErrRead, fmt.Errorf("reading file %s: %w", path, err))
	}
	if opts.SourceName == "" {
		opts.SourceName = path
	}
	return imp.Import(ctx, data, opts)
}

// Import reconstructs the flow exported in data. It returns the committed
// flow or a *PhaseError naming the failing phase.
func (imp *Importer) Import(ctx context.Context, data []byte, opts Options) (*Result, error) {
	r := &run{
		id:     uuid.NewString(),
		imp:    imp,
		opts:   opts,
		start:  time.Now(),
		saved:  make(map[string]bool),
		report: Report{Counts: make(map[flow.NodeKind]KindCount)},
	}
	r.logger = imp.logger.With("import_id", r.id)
	r.emit(NewEvent(EventImportStarted, r.id).WithPayload("source", opts.SourceName))

	res, err := imp.execute(ctx, r, data)
	if err != nil {
		var pe *PhaseError
		if errors.As(err, &pe) {
			r.emit(NewEvent(EventImportFailed, r.id).WithPhase(pe.Phase).WithErr(err).WithElapsed(time.Since(r.start)))
		}
		r.logger.Error("import failed", "error", err)
		return nil, err
	}

	r.closePhase(nil)
	r.emit(NewEvent(EventImportFinished, r.id).
		WithElapsed(time.Since(r.start)).
		WithPayload("flow_id", res.Flow.ID).
		WithPayload("imported", res.Report.Imported()).
		WithPayload("skipped", len(res.Report.Skipped)))
	r.logger.Info("flow imported",
		"flow_id", res.Flow.ID,
		"name", res.Flow.Name,
		"format", res.Format.String(),
		"entities", res.Report.Summary(),
	)
	return res, nil
}

func (imp *Importer) execute(ctx context.Context, r *run, data []byte) (*Result, error) {
	opts := r.opts

	// Parse
	r.phase(PhaseParse)
	doc, err := loader.Decode(data, opts.SourceName)
	if err != nil {
		return nil, r.fail(phaseErr(PhaseParse, ErrParse, err))
	}

	// Detect and normalize
	r.phase(PhaseDetect)
	detected := loader.Classify(doc)
	r.emit(NewEvent(EventFormatDetected, r.id).WithPayload("format", detected.String()))
	r.logger.Debug("format detected", "format", detected.String())

	canonical := detected
	switch detected {
	case loader.FormatThirdPartyPromptExport:
		r.phase(PhaseNormalize)
		doc, err = loader.FromThirdPartyExport(doc, opts.SourceName)
		if err != nil {
			return nil, r.fail(phaseErr(PhaseNormalize, ErrMigration, err))
		}
		canonical = loader.FormatLegacyFlow
	case loader.FormatPreMigration:
		r.phase(PhaseNormalize)
		doc, err = opts.migrator().Upgrade(doc)
		if err != nil {
			return nil, r.fail(phaseErr(PhaseNormalize, ErrMigration, err))
		}
		canonical = loader.Classify(doc)
		if !canonical.Canonical() {
			return nil, r.fail(phaseErr(PhaseNormalize, ErrMigration,
				fmt.Errorf("upgrade produced %s, want a legacy or enhanced flow", canonical)))
		}
	case loader.FormatLegacyFlow, loader.FormatEnhancedFlow:
	case loader.FormatUnknown:
		return nil, r.fail(phaseErr(PhaseDetect, ErrUnknownFormat, errors.New("input matches no known export format")))
	default:
		return nil, r.fail(phaseErr(PhaseDetect, ErrUnknownFormat, fmt.Errorf("unhandled format %s", detected)))
	}

	c, err := loader.ToCanonical(doc, canonical)
	if err != nil {
		return nil, r.fail(phaseErr(PhaseParse, ErrParse, err))
	}

	// Remap
	r.phase(PhaseRemap)
	scope := remap.ScopeAgents
	if canonical == loader.FormatEnhancedFlow {
		scope = remap.ScopeAllEntities
	}
	m, err := remap.Build(remap.Graph{FlowID: c.FlowID, Nodes: c.Nodes}, scope, imp.gen)
	if err != nil {
		return nil, r.fail(phaseErr(PhaseRemap, ErrFlowConstruction, err))
	}
	r.mapping = m

	nodes := remap.RewriteNodes(c.Nodes, m)
	edges, fallbacks := remap.RewriteEdges(c.Edges, m, imp.gen)
	if fallbacks > 0 {
		r.logger.Warn("edge endpoints missing from id mapping", "count", fallbacks)
	}
	layout, err := remap.RewritePanelLayout(c.PanelLayout, m)
	if err != nil {
		return nil, r.fail(phaseErr(PhaseRemap, ErrFlowConstruction, err))
	}

	// Assemble before any write so an invalid flow persists nothing.
	r.phase(PhaseAssemble)
	f, warnings, err := assemble(c, nodes, edges, layout, m)
	if err != nil {
		return nil, r.fail(phaseErr(PhaseAssemble, ErrFlowConstruction, err))
	}
	r.report.EdgeFallbacks = fallbacks
	r.report.Warnings = warnings

	// Entities, then the flow row.
	var saved flow.Flow
	write := func(s store.Stores, parallel bool) error {
		r.phase(PhaseEntities)
		if err := imp.importAll(ctx, r, c, s, parallel); err != nil {
			return err
		}
		r.phase(PhaseCommit)
		r.report.DanglingNodeIDs = r.dangling(c.Nodes)
		var cerr error
		saved, cerr = commitFlow(ctx, s.Flows, f)
		return cerr
	}

	if opts.Atomic && imp.tx != nil {
		err = imp.tx.RunInTx(ctx, func(s store.Stores) error { return write(s, false) })
		var pe *PhaseError
		if err != nil && !errors.As(err, &pe) {
			err = phaseErr(PhaseCommit, ErrFlowPersist, err)
		}
	} else {
		err = write(imp.stores, opts.Parallel)
	}
	if err != nil {
		return nil, r.fail(err)
	}

	return &Result{
		ImportID:  r.id,
		Flow:      saved,
		Format:    detected,
		Canonical: canonical,
		IDMap:     m.Pairs(),
		Report:    r.snapshot(),
	}, nil
}

// importAll runs the entity importers for every kind in the mapping's
// scope. In parallel mode the kinds run concurrently; the mapping is
// read-only by now.
func (imp *Importer) importAll(ctx context.Context, r *run, c *loader.Canonical, s store.Stores, parallel bool) error {
	steps := []func(context.Context) error{
		func(ctx context.Context) error {
			return importEntities(ctx, r, agentKindWith(r.opts.Overrides), c.Agents, s)
		},
	}
	if r.mapping.Scope() == remap.ScopeAllEntities {
		steps = append(steps,
			func(ctx context.Context) error {
				return importEntities(ctx, r, dataStoreNodeKind, c.DataStoreNodes, s)
			},
			func(ctx context.Context) error {
				return importEntities(ctx, r, ifNodeKind, c.IfNodes, s)
			},
		)
	}

	if !parallel {
		for _, step := range steps {
			if err := step(ctx); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, step := range steps {
		g.Go(func() error { return step(gctx) })
	}
	return g.Wait()
}

// run is the state of one import.
type run struct {
	id      string
	imp     *Importer
	opts    Options
	start   time.Time
	logger  *slog.Logger
	mapping *remap.Mapping

	emitMu  sync.Mutex
	lastSeq uint64

	mu         sync.Mutex
	phaseName  Phase
	phaseStart time.Time
	saved      map[string]bool
	report     Report
}

func (r *run) emit(e Event) {
	if r.imp.handler == nil {
		return
	}
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.lastSeq++
	e.Seq = r.lastSeq
	r.imp.handler(e)
}

// phase closes the current phase and opens p.
func (r *run) phase(p Phase) {
	r.mu.Lock()
	prev, started := r.phaseName, r.phaseStart
	r.phaseName, r.phaseStart = p, time.Now()
	r.mu.Unlock()

	if prev != "" {
		r.emit(NewEvent(EventPhaseFinished, r.id).WithPhase(prev).WithElapsed(time.Since(started)))
	}
	r.emit(NewEvent(EventPhaseStarted, r.id).WithPhase(p))
	r.logger.Debug("import phase", "phase", string(p))
}

// fail closes the current phase with err and returns it.
func (r *run) fail(err error) error {
	r.closePhase(err)
	return err
}

func (r *run) closePhase(err error) {
	r.mu.Lock()
	p, started := r.phaseName, r.phaseStart
	r.phaseName = ""
	r.mu.Unlock()
	if p != "" {
		r.emit(NewEvent(EventPhaseFinished, r.id).WithPhase(p).WithElapsed(time.Since(started)).WithErr(err))
	}
}

func (r *run) imported(kind flow.NodeKind, oldID, newID string) {
	r.mu.Lock()
	c := r.report.Counts[kind]
	c.Imported++
	r.report.Counts[kind] = c
	r.saved[newID] = true
	r.mu.Unlock()

	r.emit(NewEvent(EventEntityImported, r.id).WithEntity(kind, oldID, newID))
}

// skip records a failed entity. Under the strict policy it returns the
// error that aborts the import.
func (r *run) skip(kind flow.NodeKind, oldID, newID string, kindErr, cause error) error {
	phase := "construct"
	if errors.Is(kindErr, ErrEntityPersist) {
		phase = "persist"
	}
	r.record(SkippedEntity{Kind: kind, OldID: oldID, NewID: newID, Phase: phase, Reason: cause.Error()})

	entErr := &EntityError{Kind: kind, OldID: oldID, Err: cause}
	r.emit(NewEvent(EventEntitySkipped, r.id).WithEntity(kind, oldID, newID).WithErr(entErr))
	r.logger.Warn("entity skipped",
		"kind", string(kind),
		"old_id", oldID,
		"phase", phase,
		"error", cause,
	)
	if r.opts.strict() {
		return phaseErr(PhaseEntities, kindErr, entErr)
	}
	return nil
}

// unreferenced records a payload whose id belongs to no node of its kind.
func (r *run) unreferenced(kind flow.NodeKind, oldID string) {
	r.record(SkippedEntity{Kind: kind, OldID: oldID, Phase: "unreferenced", Reason: errUnreferenced.Error()})
	r.emit(NewEvent(EventEntitySkipped, r.id).WithEntity(kind, oldID, "").WithErr(errUnreferenced))
	r.logger.Warn("entity skipped", "kind", string(kind), "old_id", oldID, "phase", "unreferenced")
}

func (r *run) record(s SkippedEntity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.report.Counts[s.Kind]
	c.Skipped++
	r.report.Counts[s.Kind] = c
	r.report.Skipped = append(r.report.Skipped, s)
}

// dangling returns, in graph order, the new ids of nodes whose entity row
// was not saved.
func (r *run) dangling(nodes []flow.Node) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range nodes {
		h, ok := r.mapping.Lookup(n.ID)
		if !ok {
			continue
		}
		e := r.mapping.Entry(h)
		if e.Entity && !r.saved[e.NewID] {
			out = append(out, e.NewID)
		}
	}
	return out
}

func (r *run) snapshot() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep := r.report
	rep.Counts = make(map[flow.NodeKind]KindCount, len(r.report.Counts))
	for k, v := range r.report.Counts {
		rep.Counts[k] = v
	}
	rep.Skipped = append([]SkippedEntity(nil), r.report.Skipped...)
	return rep
}
