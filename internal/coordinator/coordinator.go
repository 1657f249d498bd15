// Package coordinator composes the Vector Index Adapter, Embedding
// Client, L1 Store, Tier Collections, Ranker, Retriever, Writer, and
// Background Janitor into the public contract of spec §4.J.
package coordinator

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"hcsr/internal/config"
	"hcsr/internal/domain"
	"hcsr/internal/embedding"
	"hcsr/internal/janitor"
	"hcsr/internal/l1"
	"hcsr/internal/rank"
	"hcsr/internal/retrieve"
	"hcsr/internal/tier"
	"hcsr/internal/tracer"
	"hcsr/internal/vectorindex"
	"hcsr/internal/write"
)

// State is the Coordinator's lifecycle state machine, spec §4.J.
type State int

const (
	Initializing State = iota
	Ready
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Deps holds every injected collaborator the Coordinator composes.
// Grounded on the teacher's usecase.AgentDeps dependency-injection struct.
type Deps struct {
	VectorIndex   vectorindex.Adapter
	Embedder      embedding.Client
	Config        config.Config
	Logger        *slog.Logger
	DrainGrace    time.Duration // how long Drain waits for the janitor to stop; in-flight requests are not tracked or waited for
}

// Coordinator is the composition root and sole owner of L1 and the
// vector index handle, per spec §3's ownership clause.
type Coordinator struct {
	deps Deps

	l1        *l1.Store
	shortTerm *tier.Collection
	longTerm  *tier.Collection
	retriever *retrieve.Retriever
	writer    *write.Writer
	janitor   *janitor.Janitor

	mu    sync.RWMutex
	state State
}

// New constructs every collaborator and returns a Coordinator in the
// Initializing state; call Start to transition to Ready.
func New(ctx context.Context, deps Deps) (*Coordinator, error) {
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.DrainGrace <= 0 {
		deps.DrainGrace = 10 * time.Second
	}

	shortTerm, err := tier.NewShortTerm(ctx, deps.VectorIndex, deps.Config.Tiers, deps.Config.Embed.Dim)
	if err != nil {
		return nil, domain.WrapOp("Coordinator.New", err)
	}
	longTerm, err := tier.NewLongTerm(ctx, deps.VectorIndex, deps.Config.Tiers, deps.Config.Embed.Dim)
	if err != nil {
		return nil, domain.WrapOp("Coordinator.New", err)
	}

	l1Store := l1.New(deps.Config.L1.Capacity)
	ranker := rank.New(deps.Config.Retrieve.RankWeights, nil)
	retriever := retrieve.New(l1Store, shortTerm, longTerm, deps.Embedder, ranker, deps.Config.Retrieve, deps.Logger)
	writer := write.New(l1Store, shortTerm, longTerm, deps.Embedder, deps.Config.Writer)
	j := janitor.New(l1Store, shortTerm, longTerm, deps.Config.Janitor, deps.Logger)

	return &Coordinator{
		deps:      deps,
		l1:        l1Store,
		shortTerm: shortTerm,
		longTerm:  longTerm,
		retriever: retriever,
		writer:    writer,
		janitor:   j,
		state:     Initializing,
	}, nil
}

// Start transitions Initializing -> Ready and starts the janitor.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Initializing {
		return nil
	}
	if err := c.janitor.Start(ctx); err != nil {
		return domain.WrapOp("Coordinator.Start", err)
	}
	c.state = Ready
	c.deps.Logger.Info("coordinator: ready")
	return nil
}

// Drain transitions Ready -> Draining, stops admitting new store/retrieve
// calls, waits up to DrainGrace for the janitor to stop, then transitions
// to Stopped.
func (c *Coordinator) Drain(ctx context.Context) {
	c.mu.Lock()
	if c.state != Ready {
		c.mu.Unlock()
		return
	}
	c.state = Draining
	c.mu.Unlock()

	c.deps.Logger.Info("coordinator: draining", "grace", c.deps.DrainGrace)

	done := make(chan struct{})
	go func() {
		c.janitor.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(c.deps.DrainGrace):
		c.deps.Logger.Warn("coordinator: drain grace period exceeded")
	case <-ctx.Done():
	}

	c.mu.Lock()
	c.state = Stopped
	c.mu.Unlock()
	c.deps.Logger.Info("coordinator: stopped")
}

func (c *Coordinator) checkAvailable(op string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != Ready {
		return domain.NewSubSystemError("coordinator", op, domain.ErrUnavailable, c.state.String())
	}
	return nil
}

// Store implements spec §4.J's store operation.
func (c *Coordinator) Store(ctx context.Context, text string, t domain.Tier, agentID, sessionID string, metadata domain.Metadata) (string, error) {
	if err := c.checkAvailable("Store"); err != nil {
		return "", err
	}
	ctx, span := tracer.StartSpan(ctx, "coordinator.store", trace.WithAttributes(tracer.StringAttr("tier", t.String())))
	defer span.End()

	id, err := c.writer.Store(ctx, text, t, agentID, sessionID, metadata)
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}
	tracer.SetOK(span)
	return id, nil
}

// Retrieve implements spec §4.J's retrieve operation.
func (c *Coordinator) Retrieve(ctx context.Context, query domain.Query) (domain.Response, error) {
	if err := c.checkAvailable("Retrieve"); err != nil {
		return domain.Response{}, err
	}
	ctx, span := tracer.StartSpan(ctx, "coordinator.retrieve")
	defer span.End()

	resp, err := c.retriever.Retrieve(ctx, query)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Response{}, err
	}
	tracer.SetOK(span)
	return resp, nil
}

// Get implements spec §4.J's get operation. Unlike Store/Retrieve, Get is
// permitted while Draining since it is read-only and cheap to finish.
func (c *Coordinator) Get(ctx context.Context, id string) (domain.ContextItem, error) {
	return c.writer.Get(ctx, id)
}

// Update implements spec §4.J's update operation.
func (c *Coordinator) Update(ctx context.Context, id string, metadata domain.Metadata) error {
	if err := c.checkAvailable("Update"); err != nil {
		return err
	}
	return c.writer.Update(ctx, id, metadata)
}

// Delete implements spec §4.J's delete operation.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	if err := c.checkAvailable("Delete"); err != nil {
		return err
	}
	return c.writer.Delete(ctx, id)
}

// ComponentStatus is one row of the Health report.
type ComponentStatus struct {
	Name      string
	Available bool
	Detail    string
}

// Health implements spec §4.J's health operation: a snapshot per
// component, never erroring itself.
func (c *Coordinator) Health(ctx context.Context) []ComponentStatus {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()

	statuses := []ComponentStatus{
		{Name: "coordinator", Available: state == Ready, Detail: state.String()},
		{Name: "l1", Available: true, Detail: "len=" + strconv.Itoa(c.l1.Len())},
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.deps.VectorIndex.Ping(pingCtx); err != nil {
		statuses = append(statuses, ComponentStatus{Name: "vectorindex", Available: false, Detail: err.Error()})
	} else {
		statuses = append(statuses, ComponentStatus{Name: "vectorindex", Available: true})
	}

	return statuses
}

// ClearTier implements spec §4.J's clear_tier operation: removes every
// item in the named tier.
func (c *Coordinator) ClearTier(ctx context.Context, t domain.Tier) error {
	if err := c.checkAvailable("ClearTier"); err != nil {
		return err
	}
	switch t {
	case domain.Immediate:
		c.l1.Clear()
		return nil
	case domain.ShortTerm:
		return c.clearCollection(ctx, c.shortTerm)
	case domain.LongTerm:
		return c.clearCollection(ctx, c.longTerm)
	default:
		return domain.NewDomainError("ClearTier", domain.ErrValidation, "unknown tier")
	}
}

func (c *Coordinator) clearCollection(ctx context.Context, coll *tier.Collection) error {
	cutoff := time.Now().Add(24 * 365 * time.Hour) // everything created before "the far future" — i.e. everything
	_, err := c.deps.VectorIndex.DeleteByFilter(ctx, coll.Name(), vectorindex.Filter{CreatedBefore: &cutoff})
	if err != nil {
		return domain.WrapOp("Coordinator.ClearTier", err)
	}
	return nil
}

