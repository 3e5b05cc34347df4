package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"

	"github.com/dcmstore/dcmstore/cmn"
	"github.com/dcmstore/dcmstore/index"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

const globalPropertyKey = "JobRegistry"

// snapshot is the full persisted registry state (spec §4.5 Persistence,
// §3 invariant: "the job registry persisted state is a function of all
// jobs not yet evicted from the completed-jobs ring buffer").
type snapshot struct {
	Pending   []*Record `json:"Pending"`
	Running   []*Record `json:"Running"`
	Completed []*Record `json:"Completed"`
	NextSeq   int64     `json:"NextSeq"`
}

// Engine owns the pending queue, the running set, the completed ring, and
// the background persistence + worker goroutines (spec §4.5).
type Engine struct {
	idx *index.Index

	mu        sync.Mutex
	pending   pendingQueue
	running   map[string]*Record
	completed *ring
	nextSeq   int64

	factories map[string]Factory
	observers []Observer

	dirty           int32
	lastFingerprint uint64

	workCh   chan struct{} // signaled whenever a job becomes pending
	stopCh   chan struct{}
	wg       sync.WaitGroup
	nWorkers int

	persistEvery time.Duration
}

// NewEngine constructs an Engine backed by idx's GlobalProperty bag for
// persistence. nWorkers is the worker-pool size (spec §4.5); ringSize is
// the completed-jobs ring capacity.
func NewEngine(idx *index.Index, nWorkers, ringSize int) *Engine {
	if nWorkers < 1 {
		nWorkers = 1
	}
	return &Engine{
		idx:          idx,
		running:      map[string]*Record{},
		completed:    newRing(ringSize),
		factories:    map[string]Factory{},
		workCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		nWorkers:     nWorkers,
		persistEvery: 10 * time.Second,
	}
}

// RegisterType installs the Factory for a job type tag, required both for
// Submit and for reconstructing persisted jobs at restart.
func (e *Engine) RegisterType(jobType string, f Factory) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.factories[jobType] = f
}

func (e *Engine) AddObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// Submit enqueues a new job of jobType with the given priority and initial
// state (the factory's input parameters, not yet a Step-ready job until
// Start is called by the worker).
func (e *Engine) Submit(jobType string, priority int, initialState json.RawMessage) (string, error) {
	e.mu.Lock()
	factory, ok := e.factories[jobType]
	if !ok {
		e.mu.Unlock()
		return "", cmn.NewError(cmn.NotImplemented, "unknown job type %q", jobType)
	}
	e.mu.Unlock()

	j, err := factory(initialState)
	if err != nil {
		return "", cmn.WrapError(cmn.InternalError, err, "construct job %q", jobType)
	}

	id := uuid.NewString()
	r := &Record{
		ID:          id,
		Type:        jobType,
		Priority:    priority,
		Status:      Pending,
		SubmittedAt: time.Now().UTC(),
		job:         j,
	}

	e.mu.Lock()
	r.seq = e.nextSeq
	e.nextSeq++
	e.pending.push(r)
	e.markDirtyLocked()
	e.mu.Unlock()

	e.notifySubmitted(id)
	e.wake()
	return id, nil
}

// Status returns the current Record snapshot for id (pending, running, or
// completed), or false if unknown.
func (e *Engine) Status(id string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.running[id]; ok {
		return *r, true
	}
	if r := e.completed.find(id); r != nil {
		return *r, true
	}
	for _, r := range e.pending.items {
		if r.ID == id {
			return *r, true
		}
	}
	return Record{}, false
}

// Output fetches a downloadable artifact from a job that implements
// OutputProvider (spec §4.6: archive/media jobs keep their output
// retrievable by key after completion). Returns NotImplemented if the job
// type never produces output, UnknownResource if id isn't known, or
// BadSequenceOfCalls if the job's live handle didn't survive a restart
// (spec §4.5: a restored job only replays Step, it has no output cache).
func (e *Engine) Output(id, key string) (data []byte, mime string, filename string, err error) {
	e.mu.Lock()
	r, ok := e.running[id]
	if !ok {
		if cr := e.completed.find(id); cr != nil {
			r, ok = cr, true
		}
	}
	e.mu.Unlock()
	if !ok {
		return nil, "", "", cmn.NewError(cmn.UnknownResource, "unknown job %s", id)
	}
	if r.job == nil {
		return nil, "", "", cmn.NewError(cmn.BadSequenceOfCalls, "job %s has no live output after restart", id)
	}
	op, ok := r.job.(OutputProvider)
	if !ok {
		return nil, "", "", cmn.NewError(cmn.NotImplemented, "job type %s has no output", r.Type)
	}
	return op.GetOutput(key)
}

// Stop requests cancellation of id. A still-Pending job is moved straight
// to Canceled. For a Running job only the job's own Stop method is
// invoked: the worker keeps calling Step until it reports success or
// failure, and the engine does not move the job to Canceled.
func (e *Engine) Stop(id, reason string) {
	e.mu.Lock()
	if r := e.pending.remove(id); r != nil {
		r.Status = Canceled
		r.FinishedAt = time.Now().UTC()
		e.completed.push(r)
		e.markDirtyLocked()
		e.mu.Unlock()
		return
	}
	r, running := e.running[id]
	e.mu.Unlock()
	if running {
		r.job.Stop(reason)
	}
}

// Reset returns a Canceled or Failure job to Pending with fresh counters
// (spec §3 Lifecycles: "may be reset (re-run from scratch) after Failure").
func (e *Engine) Reset(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.completed.find(id)
	if r == nil {
		return cmn.NewError(cmn.UnknownResource, "unknown job %s", id)
	}
	if r.Status != Failure && r.Status != Canceled {
		return cmn.NewError(cmn.BadSequenceOfCalls, "cannot reset job in state %s", r.Status)
	}
	if r.job == nil {
		return cmn.NewError(cmn.BadSequenceOfCalls, "job %s has no live handle to reset (type %q not registered)", id, r.Type)
	}
	if err := r.job.Reset(); err != nil {
		return cmn.WrapError(cmn.InternalError, err, "reset job %s", id)
	}
	r.Status = Pending
	r.Progress = 0
	r.ErrorKind = ""
	r.ErrorMsg = ""
	r.seq = e.nextSeq
	e.nextSeq++
	e.pending.push(r)
	e.markDirtyLocked()
	e.wake()
	return nil
}

// Run starts the worker pool and the persistence loop; it blocks until ctx
// is canceled, then flushes a final persist and returns.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.nWorkers; i++ {
		g.Go(func() error { return e.workerLoop(gctx) })
	}
	g.Go(func() error { return e.persistLoop(gctx) })
	err := g.Wait()
	e.persist() // final flush on clean shutdown (spec §4.5)
	return err
}

func (e *Engine) wake() {
	select {
	case e.workCh <- struct{}{}:
	default:
	}
}

func (e *Engine) workerLoop(ctx context.Context) error {
	for {
		r := e.popReady()
		if r == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-e.workCh:
				continue
			case <-time.After(500 * time.Millisecond):
				continue
			}
		}
		e.runToCompletion(ctx, r)
	}
}

func (e *Engine) popReady() *Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.pending.pop()
	if r == nil {
		return nil
	}
	r.Status = Running
	r.StartedAt = time.Now().UTC()
	e.running[r.ID] = r
	e.markDirtyLocked()
	return r
}

// runToCompletion repeatedly calls Step, yielding between steps so many
// long jobs interleave fairly across the worker pool (spec §4.5:
// "cooperative multitasking at step granularity").
func (e *Engine) runToCompletion(ctx context.Context, r *Record) {
	if err := r.job.Start(); err != nil {
		e.finish(r, Failure, cmn.KindOf(err), err.Error())
		return
	}
	for {
		select {
		case <-ctx.Done():
			// shutdown: r stays in the running set, so the final persist
			// records it as Running and Restore re-enqueues it as Pending.
			return
		default:
		}

		res, err := r.job.Step()
		e.mu.Lock()
		r.Progress = r.job.Progress()
		e.markDirtyLocked()
		e.mu.Unlock()

		switch res {
		case StepSuccess:
			e.finish(r, Success, "", "")
			return
		case StepFailure:
			kind := cmn.KindOf(err)
			msg := ""
			if err != nil {
				msg = err.Error()
			}
			e.finish(r, Failure, kind, msg)
			return
		case StepContinue:
			// yield to the scheduler (another worker, or this one on its
			// next loop iteration) before continuing.
		}
	}
}

func (e *Engine) finish(r *Record, status Status, kind cmn.ErrorKind, msg string) {
	r.Status = status
	r.ErrorKind = kind
	r.ErrorMsg = msg
	r.FinishedAt = time.Now().UTC()

	e.mu.Lock()
	delete(e.running, r.ID)
	e.completed.push(r)
	e.markDirtyLocked()
	e.mu.Unlock()

	switch status {
	case Success:
		e.notifySuccess(r.ID)
	case Failure:
		e.notifyFailure(r.ID, kind)
	}
}

func (e *Engine) notifySubmitted(id string) {
	e.mu.Lock()
	obs := append([]Observer(nil), e.observers...)
	e.mu.Unlock()
	for _, o := range obs {
		o.SignalJobSubmitted(id)
	}
}

func (e *Engine) notifySuccess(id string) {
	e.mu.Lock()
	obs := append([]Observer(nil), e.observers...)
	e.mu.Unlock()
	for _, o := range obs {
		o.SignalJobSuccess(id)
	}
}

func (e *Engine) notifyFailure(id string, kind cmn.ErrorKind) {
	e.mu.Lock()
	obs := append([]Observer(nil), e.observers...)
	e.mu.Unlock()
	for _, o := range obs {
		o.SignalJobFailure(id, kind)
	}
}

func (e *Engine) markDirtyLocked() {
	atomic.StoreInt32(&e.dirty, 1)
}

func (e *Engine) persistLoop(ctx context.Context) error {
	t := time.NewTicker(e.persistEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			e.persist()
		}
	}
}

// persist serializes the full registry and writes it to the index's
// GlobalProperty bag, skipping the write if an xxhash fingerprint of the
// snapshot bytes is unchanged since the last persist (spec §5: "write
// never produces a half-serialized record" plus the dirty-check this
// engine adds on top to avoid redundant writes on an idle store).
func (e *Engine) persist() {
	if atomic.LoadInt32(&e.dirty) == 0 {
		return
	}

	e.mu.Lock()
	snap := snapshot{
		Pending:   e.pending.snapshot(),
		Running:   recordValues(e.running),
		Completed: e.completed.snapshot(),
		NextSeq:   e.nextSeq,
	}
	for _, r := range snap.Pending {
		e.serializeInto(r)
	}
	for _, r := range snap.Running {
		e.serializeInto(r)
	}
	e.mu.Unlock()

	b, err := jsonAPI.Marshal(snap)
	if err != nil {
		glog.Errorf("jobs: marshal registry snapshot: %v", err)
		return
	}

	fp := fingerprint(b)
	if fp == e.lastFingerprint {
		atomic.StoreInt32(&e.dirty, 0)
		return
	}

	if err := e.idx.GlobalPropertySet(globalPropertyKey, string(b)); err != nil {
		glog.Errorf("jobs: persist registry: %v", err)
		return
	}
	e.lastFingerprint = fp
	atomic.StoreInt32(&e.dirty, 0)
}

func (e *Engine) serializeInto(r *Record) {
	if r.job == nil {
		return
	}
	state, err := r.job.Serialize()
	if err != nil {
		glog.Warningf("jobs: serialize job %s (%s): %v", r.ID, r.Type, err)
		return
	}
	r.State = state
}

func recordValues(m map[string]*Record) []*Record {
	out := make([]*Record, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	return out
}

// Restore loads a previously persisted registry from idx's GlobalProperty
// bag. Jobs found in Running are demoted to Pending and re-enqueued (spec
// §4.5); jobs whose type is not registered produce a warning and are
// dropped, all others are kept. Must be called before Run.
func (e *Engine) Restore() error {
	raw, found, err := e.idx.GlobalPropertyGet(globalPropertyKey)
	if err != nil {
		return cmn.WrapError(cmn.Database, err, "read job registry")
	}
	if !found {
		return nil
	}

	var snap snapshot
	if err := jsonAPI.UnmarshalFromString(raw, &snap); err != nil {
		return cmn.WrapError(cmn.InternalError, err, "decode job registry")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextSeq = snap.NextSeq
	restore := func(r *Record, demoteToPending bool) {
		f, ok := e.factories[r.Type]
		if !ok {
			glog.Warningf("jobs: dropping job %s on restart: unknown type %q", r.ID, r.Type)
			return
		}
		j, err := f(r.State)
		if err != nil {
			glog.Warningf("jobs: dropping job %s on restart: reconstruct %q: %v", r.ID, r.Type, err)
			return
		}
		r.job = j
		if demoteToPending {
			r.Status = Pending
			e.pending.push(r)
		} else {
			e.completed.push(r)
		}
	}

	for _, r := range snap.Pending {
		restore(r, true)
	}
	for _, r := range snap.Running {
		restore(r, true) // Running -> Pending on restart (spec §4.5)
	}
	for _, r := range snap.Completed {
		restore(r, false)
	}
	return nil
}
