// Package executor runs admitted DAGs.
//
// A node is dispatched as soon as every one of its inputs has succeeded.
// There are no phase barriers. Dispatch is fire-and-track: RunReadyNodes
// starts work and returns, and each completion comes back to the owner as
// an ObservationEvent on the executor's sink. Concurrency is bounded by a
// global semaphore, optional per-class semaphores and a pluggable throttle.
package executor

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ShayCichocki/loom/internal/artifact"
	"github.com/ShayCichocki/loom/internal/buffer"
	"github.com/ShayCichocki/loom/internal/capability"
	"github.com/ShayCichocki/loom/internal/graph"
	"github.com/ShayCichocki/loom/internal/logging"
	"github.com/ShayCichocki/loom/internal/policy"
	"github.com/ShayCichocki/loom/pkg/models"
)

// EventSink receives completion events. Post must not block.
type EventSink interface {
	Post(ev models.ObservationEvent)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ev models.ObservationEvent)

// Post calls f.
func (f SinkFunc) Post(ev models.ObservationEvent) { f(ev) }

// StatusReader is the read-only monitoring surface.
type StatusReader interface {
	Status(h *Handle) models.ExecutionSnapshot
}

// Executor owns the concurrency slots of one task and the DAGs admitted to it.
type Executor struct {
	name   string
	caps   capability.Executor
	store  artifact.Store
	buf    *buffer.Buffer
	policy policy.ExecutorPolicy
	sink   EventSink
	now    func() time.Time

	global  *semaphore.Weighted
	classes map[models.CapabilityClass]*semaphore.Weighted

	mu           sync.Mutex
	throttle     Throttle
	pressure     int
	running      int
	classRunning map[models.CapabilityClass]int

	wg sync.WaitGroup
}

// Option customizes an Executor during construction.
type Option func(*Executor)

// WithArtifactStore sets the store used for results above the inline limit
// and for artifact inputs.
func WithArtifactStore(s artifact.Store) Option {
	return func(e *Executor) { e.store = s }
}

// WithBuffer sets the context buffer results are written to.
func WithBuffer(b *buffer.Buffer) Option {
	return func(e *Executor) { e.buf = b }
}

// WithSink sets where completion events are posted.
func WithSink(s EventSink) Option {
	return func(e *Executor) { e.sink = s }
}

// WithThrottle sets the throttle applied to the global limit.
func WithThrottle(t Throttle) Option {
	return func(e *Executor) { e.throttle = t }
}

// WithName sets the name used as the source of emitted events.
func WithName(name string) Option {
	return func(e *Executor) { e.name = name }
}

// WithClock overrides the clock used for node timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) { e.now = clock }
}

// New creates an executor that runs capabilities through caps.
func New(caps capability.Executor, p policy.ExecutorPolicy, opts ...Option) *Executor {
	if p.MaxConcurrency < 1 {
		p.MaxConcurrency = 1
	}
	e := &Executor{
		name:         "executor",
		caps:         caps,
		policy:       p,
		sink:         SinkFunc(func(models.ObservationEvent) {}),
		now:          time.Now,
		throttle:     StaticThrottle{},
		global:       semaphore.NewWeighted(int64(p.MaxConcurrency)),
		classes:      make(map[models.CapabilityClass]*semaphore.Weighted),
		classRunning: make(map[models.CapabilityClass]int),
	}
	for class, limit := range p.ClassLimits {
		if limit > 0 {
			e.classes[models.CapabilityClass(class)] = semaphore.NewWeighted(int64(limit))
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.buf == nil {
		e.buf = buffer.New(e.name, 64, 0)
	}
	return e
}

// Buffer returns the context buffer results are written to.
func (e *Executor) Buffer() *buffer.Buffer {
	return e.buf
}

// SetSink replaces where completion events are posted. The control loop
// that owns the executor installs itself here.
func (e *Executor) SetSink(s EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = s
}

// SetThrottle replaces the throttle. Used on policy reload.
func (e *Executor) SetThrottle(t Throttle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.throttle = t
}

// ReportPressure sets the current resource pressure level.
func (e *Executor) ReportPressure(level int) {
	if level < 0 {
		level = 0
	}
	e.mu.Lock()
	prev := e.pressure
	e.pressure = level
	e.mu.Unlock()
	if prev != level {
		logging.Debugf("[executor] %s pressure %d -> %d", e.name, prev, level)
	}
}

// Name returns the name used as the source of emitted events.
func (e *Executor) Name() string {
	return e.name
}

// Wait blocks until every dispatched call has returned.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Admit validates desc and registers it for execution. On error nothing
// is registered. The returned error wraps *graph.MalformedGraphError.
func (e *Executor) Admit(desc *models.DagDescription) (*Handle, error) {
	dag, err := graph.BuildWithLog(desc, logging.Debugf)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		ID:     "dag-" + uuid.New().String()[:8],
		exec:   e,
		dag:    dag,
		goal:   desc.Goal,
		vars:   make(map[string]string),
		nodes:  make(map[string]*nodeRun),
		notify: make(chan struct{}),
	}
	for k, v := range desc.Variables {
		h.vars[k] = v
	}
	h.vars["goal"] = desc.Goal
	h.vars["dag_id"] = h.ID

	for _, id := range dag.Order() {
		n, _ := dag.Node(id)
		nr, err := h.prepareLocked(n)
		if err != nil {
			return nil, &graph.MalformedGraphError{NodeID: id, Detail: err.Error(), Err: errorKind(err)}
		}
		h.nodes[id] = nr
	}
	for _, id := range dag.Order() {
		h.evaluateLocked(id)
	}

	logging.Debugf("[executor] admitted %s with %d nodes", h.ID, dag.Size())
	return h, nil
}

// acquire takes a global slot and a class slot for class.
// full reports that the global limit is exhausted, so no other node can
// be dispatched either.
func (e *Executor) acquire(class models.CapabilityClass) (ok, full bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running >= e.throttle.Limit(e.policy.MaxConcurrency, e.pressure) {
		return false, true
	}
	if !e.global.TryAcquire(1) {
		return false, true
	}
	if sem, limited := e.classes[class]; limited {
		if !sem.TryAcquire(1) {
			e.global.Release(1)
			return false, false
		}
	}
	e.running++
	e.classRunning[class]++
	return true, false
}

func (e *Executor) release(class models.CapabilityClass) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sem, limited := e.classes[class]; limited {
		sem.Release(1)
	}
	e.global.Release(1)
	e.running--
	e.classRunning[class]--
}

// dispatchable returns how many of the given classes could be dispatched
// right now, in order.
func (e *Executor) dispatchable(classes []models.CapabilityClass) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	free := e.throttle.Limit(e.policy.MaxConcurrency, e.pressure) - e.running
	if free <= 0 {
		return 0
	}
	used := make(map[models.CapabilityClass]int)
	n := 0
	for _, c := range classes {
		if n >= free {
			break
		}
		if limit, ok := e.policy.ClassLimits[string(c)]; ok && limit > 0 {
			if e.classRunning[c]+used[c] >= limit {
				continue
			}
		}
		used[c]++
		n++
	}
	return n
}

// Running returns the number of dispatched calls that have not returned.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Executor) timeoutFor(n models.Node) time.Duration {
	if n.Timeout > 0 {
		return n.Timeout
	}
	if e.policy.NodeTimeout > 0 {
		return e.policy.NodeTimeout
	}
	return 5 * time.Minute
}

func (e *Executor) post(ev models.ObservationEvent) {
	if ev.Source == "" {
		ev.Source = e.name
	}
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	sink.Post(ev)
}

func errorKind(err error) error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*prepareError); ok {
		return pe.kind
	}
	return fmt.Errorf("%w: %v", graph.ErrInvalidNode, err)
}
