// ABOUTME: Dependency-ordered durable send queue with per-room serialization
// ABOUTME: Bounded retry on transient errors, cascading wedge on permanent failure

package sendqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/cyrup-ai/matryx-sub003/internal/live"
	"github.com/cyrup-ai/matryx-sub003/internal/store"
)

// ErrDependencyCycle is returned by AddDependency when the new edge would
// make a request depend, directly or transitively, on itself.
var ErrDependencyCycle = errors.New("sendqueue: dependency cycle")

// Transport sends a single queued request to the homeserver. An error that
// satisfies errors.Is(err, store.ErrUnavailable) is treated as transient
// and retried; any other error wedges the request.
type Transport interface {
	SendRequest(ctx context.Context, req *store.QueuedRequest) error
}

// Failure describes a request that will never be sent. Cascaded failures
// are reported once per dependent, each with the root cause.
type Failure struct {
	TxnID  string
	RoomID id.RoomID
	Err    error
}

// Config tunes retry behavior. Zero values pick the defaults.
type Config struct {
	// MaxAttempts bounds how many times a request is handed to the
	// transport before it is wedged. Default 3.
	MaxAttempts int

	// BackoffBase is the delay before the first retry; it doubles per
	// attempt up to BackoffMax. Defaults 1s and 30s.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// OnFailure is invoked for every permanently failed request,
	// including cascaded dependents. It runs on a queue goroutine and
	// must not block. Nil means failures are only logged.
	OnFailure func(Failure)
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	return c
}

type entry struct {
	req *store.QueuedRequest
	seq int
}

// Queue dispatches durable requests in dependency order. The store holds
// the authoritative rows and edges; the in-memory maps mirror them for
// cheap eligibility checks and are rebuilt by Start.
type Queue struct {
	store     store.Store
	transport Transport
	notifier  *live.Notifier
	logger    *slog.Logger
	cfg       Config

	mu       sync.Mutex
	entries  map[string]*entry
	children map[string]map[string]struct{}
	parents  map[string]map[string]struct{}
	inflight map[id.RoomID]bool
	nextSeq  int
	timers   map[string]*time.Timer

	wake   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
}

// New builds a queue over the given store and transport. The notifier may
// be nil when no live subscribers exist.
func New(st store.Store, tr Transport, notifier *live.Notifier, cfg Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:     st,
		transport: tr,
		notifier:  notifier,
		logger:    logger.With("component", "sendqueue"),
		cfg:       cfg.withDefaults(),
		entries:   make(map[string]*entry),
		children:  make(map[string]map[string]struct{}),
		parents:   make(map[string]map[string]struct{}),
		inflight:  make(map[id.RoomID]bool),
		timers:    make(map[string]*time.Timer),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start rehydrates queue state from the store and launches the dispatch
// loop. Requests left in Sending by a previous process are reset to
// Queued: the prior attempt's outcome is unknown, and the transaction ID
// keeps the resend idempotent on the server.
func (q *Queue) Start(ctx context.Context) error {
	var startErr error
	q.startOnce.Do(func() {
		reqs, err := q.store.ListQueuedRequests(ctx)
		if err != nil {
			startErr = fmt.Errorf("rehydrate requests: %w", err)
			return
		}
		edges, err := q.store.ListDependencyEdges(ctx)
		if err != nil {
			startErr = fmt.Errorf("rehydrate edges: %w", err)
			return
		}

		q.mu.Lock()
		for _, req := range reqs {
			if req.State == store.RequestSending {
				req.State = store.RequestQueued
				if err := q.store.UpdateRequestState(ctx, req.TxnID, store.RequestQueued, req.Attempts, ""); err != nil {
					q.mu.Unlock()
					startErr = fmt.Errorf("reset %s: %w", req.TxnID, err)
					return
				}
			}
			q.entries[req.TxnID] = &entry{req: req, seq: q.nextSeq}
			q.nextSeq++
		}
		for _, e := range edges {
			q.linkLocked(e.ParentTxnID, e.ChildTxnID)
		}
		q.mu.Unlock()

		q.ctx, q.cancel = context.WithCancel(context.Background())
		q.wg.Add(1)
		go q.loop()
		q.logger.Info("send queue started", "pending", len(reqs), "edges", len(edges))
		q.signal()
	})
	return startErr
}

// Close stops dispatching and waits for in-flight sends to settle.
// Pending requests stay in the store and resume on the next Start.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		if q.cancel != nil {
			q.cancel()
		}
		q.mu.Lock()
		for _, t := range q.timers {
			t.Stop()
		}
		q.mu.Unlock()
		q.wg.Wait()
	})
}

// Enqueue persists the request and makes it dispatchable. Re-enqueueing a
// transaction ID that is already present is a no-op.
func (q *Queue) Enqueue(ctx context.Context, req store.QueuedRequest) error {
	if req.State == "" {
		req.State = store.RequestQueued
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if err := q.store.EnqueueRequest(ctx, &req); err != nil {
		return err
	}

	q.mu.Lock()
	if _, ok := q.entries[req.TxnID]; ok {
		q.mu.Unlock()
		return nil
	}
	q.entries[req.TxnID] = &entry{req: &req, seq: q.nextSeq}
	q.nextSeq++
	q.mu.Unlock()

	q.publish(store.ChangeRecord{
		Entity: store.EntityQueuedRequest,
		Op:     store.OpCreated,
		RoomID: req.RoomID,
		Key:    req.TxnID,
		Value:  req.Content,
	})
	q.signal()
	return nil
}

// AddDependency records that child must not be sent before parent has
// been sent. A parent that is no longer queued has already completed, so
// the edge is unnecessary and the call is a no-op. An unknown child is an
// error, and an edge that would close a cycle is rejected before any
// state changes.
func (q *Queue) AddDependency(ctx context.Context, parentTxn, childTxn string) error {
	if parentTxn == childTxn {
		return ErrDependencyCycle
	}

	q.mu.Lock()
	_, parentOK := q.entries[parentTxn]
	child, childOK := q.entries[childTxn]
	if !childOK {
		q.mu.Unlock()
		return fmt.Errorf("dependency child %s: %w", childTxn, store.ErrNotFound)
	}
	if !parentOK {
		q.mu.Unlock()
		return nil
	}
	if q.reachableLocked(childTxn, parentTxn) {
		q.mu.Unlock()
		return ErrDependencyCycle
	}
	q.linkLocked(parentTxn, childTxn)
	roomID := child.req.RoomID
	q.mu.Unlock()

	edge := store.DependencyEdge{
		ParentTxnID: parentTxn,
		ChildTxnID:  childTxn,
		RoomID:      roomID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := q.store.AddDependencyEdge(ctx, &edge); err != nil && !errors.Is(err, store.ErrConflict) {
		q.mu.Lock()
		q.unlinkLocked(parentTxn, childTxn)
		q.mu.Unlock()
		return err
	}
	return nil
}

// Cancel removes a request and, transitively, everything that depends on
// it. Rows and edges are deleted; each removal is published as a deletion.
func (q *Queue) Cancel(ctx context.Context, txnID string) error {
	q.mu.Lock()
	if _, ok := q.entries[txnID]; !ok {
		q.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", txnID, store.ErrNotFound)
	}
	doomed := q.closureLocked(txnID)
	removed := make([]store.ChangeRecord, 0, len(doomed))
	for _, txn := range doomed {
		e := q.entries[txn]
		removed = append(removed, store.ChangeRecord{
			Entity: store.EntityQueuedRequest,
			Op:     store.OpDeleted,
			RoomID: e.req.RoomID,
			Key:    txn,
			Prev:   e.req.Content,
		})
		q.dropLocked(txn)
	}
	q.mu.Unlock()

	for _, txn := range doomed {
		if err := q.store.RemoveQueuedRequest(ctx, txn); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	q.publish(removed...)
	q.logger.Info("cancelled request", "txn_id", txnID, "cascaded", len(doomed)-1)
	q.signal()
	return nil
}

// Pending reports the transaction IDs still held by the queue, for
// inspection and tests.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	txns := make([]string, 0, len(q.entries))
	for txn := range q.entries {
		txns = append(txns, txn)
	}
	sort.Strings(txns)
	return txns
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) loop() {
	defer q.wg.Done()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		case <-ticker.C:
		}
		q.dispatchEligible()
	}
}

// dispatchEligible claims every currently eligible request and hands each
// to a send goroutine. Eligible means Queued, no live parent, and no
// other request for the same room in flight.
func (q *Queue) dispatchEligible() {
	q.mu.Lock()
	var ready []*entry
	for txn, e := range q.entries {
		if e.req.State != store.RequestQueued {
			continue
		}
		if q.blockedLocked(txn) {
			continue
		}
		ready = append(ready, e)
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].req.Priority != ready[j].req.Priority {
			return ready[i].req.Priority > ready[j].req.Priority
		}
		return ready[i].seq < ready[j].seq
	})

	var claimed []*store.QueuedRequest
	for _, e := range ready {
		if q.inflight[e.req.RoomID] {
			continue
		}
		q.inflight[e.req.RoomID] = true
		e.req.State = store.RequestSending
		e.req.Attempts++
		claimed = append(claimed, e.req)
	}
	q.mu.Unlock()

	for _, req := range claimed {
		if err := q.store.UpdateRequestState(q.ctx, req.TxnID, store.RequestSending, req.Attempts, ""); err != nil {
			q.logger.Warn("failed to mark request sending", "txn_id", req.TxnID, "error", err)
		}
		q.wg.Add(1)
		go q.send(req)
	}
}

func (q *Queue) send(req *store.QueuedRequest) {
	defer q.wg.Done()
	err := q.transport.SendRequest(q.ctx, req)

	q.mu.Lock()
	q.inflight[req.RoomID] = false
	e, alive := q.entries[req.TxnID]
	q.mu.Unlock()
	if !alive {
		// Cancelled while in flight; the outcome no longer matters.
		q.signal()
		return
	}

	switch {
	case err == nil:
		q.complete(e)
	case errors.Is(err, store.ErrUnavailable) && e.req.Attempts < q.cfg.MaxAttempts:
		q.scheduleRetry(e, err)
	default:
		q.wedge(e, err)
	}
	q.signal()
}

// complete removes a sent request and its edges, unblocking dependents.
func (q *Queue) complete(e *entry) {
	txn := e.req.TxnID
	q.mu.Lock()
	q.dropLocked(txn)
	q.mu.Unlock()

	if err := q.store.RemoveQueuedRequest(q.ctx, txn); err != nil && !errors.Is(err, store.ErrNotFound) {
		q.logger.Error("failed to remove sent request", "txn_id", txn, "error", err)
	}
	q.publish(store.ChangeRecord{
		Entity: store.EntityQueuedRequest,
		Op:     store.OpDeleted,
		RoomID: e.req.RoomID,
		Key:    txn,
		Prev:   e.req.Content,
	})
	q.logger.Debug("request sent", "txn_id", txn, "room_id", e.req.RoomID, "attempts", e.req.Attempts)
}

// scheduleRetry parks a transiently failed request as Failed, then flips
// it back to Queued once the backoff elapses.
func (q *Queue) scheduleRetry(e *entry, cause error) {
	txn := e.req.TxnID
	delay := q.cfg.BackoffBase << (e.req.Attempts - 1)
	if delay > q.cfg.BackoffMax {
		delay = q.cfg.BackoffMax
	}

	q.mu.Lock()
	e.req.State = store.RequestFailed
	e.req.Error = cause.Error()
	q.mu.Unlock()
	if err := q.store.UpdateRequestState(q.ctx, txn, store.RequestFailed, e.req.Attempts, cause.Error()); err != nil {
		q.logger.Warn("failed to record transient failure", "txn_id", txn, "error", err)
	}
	q.logger.Warn("transient send failure, will retry",
		"txn_id", txn, "attempt", e.req.Attempts, "delay", delay, "error", cause)

	timer := time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, txn)
		cur, ok := q.entries[txn]
		if !ok || cur.req.State != store.RequestFailed {
			q.mu.Unlock()
			return
		}
		cur.req.State = store.RequestQueued
		cur.req.Error = ""
		attempts := cur.req.Attempts
		q.mu.Unlock()
		if err := q.store.UpdateRequestState(q.ctx, txn, store.RequestQueued, attempts, ""); err != nil {
			q.logger.Warn("failed to requeue request", "txn_id", txn, "error", err)
		}
		q.signal()
	})
	q.mu.Lock()
	q.timers[txn] = timer
	q.mu.Unlock()
}

// wedge marks a request permanently Failed and cascades the failure to
// every transitive dependent. Wedged rows stay in the store so the caller
// can inspect or cancel them; each one is reported through OnFailure.
func (q *Queue) wedge(e *entry, cause error) {
	q.mu.Lock()
	doomed := q.closureLocked(e.req.TxnID)
	failures := make([]Failure, 0, len(doomed))
	attempts := make(map[string]int, len(doomed))
	for _, txn := range doomed {
		cur := q.entries[txn]
		cur.req.State = store.RequestFailed
		ferr := cause
		if txn != e.req.TxnID {
			ferr = fmt.Errorf("dependency %s failed: %w", e.req.TxnID, cause)
		}
		cur.req.Error = ferr.Error()
		attempts[txn] = cur.req.Attempts
		failures = append(failures, Failure{TxnID: txn, RoomID: cur.req.RoomID, Err: ferr})
	}
	q.mu.Unlock()

	records := make([]store.ChangeRecord, 0, len(failures))
	for _, f := range failures {
		if err := q.store.UpdateRequestState(q.ctx, f.TxnID, store.RequestFailed, attempts[f.TxnID], f.Err.Error()); err != nil {
			q.logger.Error("failed to record permanent failure", "txn_id", f.TxnID, "error", err)
		}
		state, _ := json.Marshal(map[string]string{"state": string(store.RequestFailed), "error": f.Err.Error()})
		records = append(records, store.ChangeRecord{
			Entity: store.EntityQueuedRequest,
			Op:     store.OpUpdated,
			RoomID: f.RoomID,
			Key:    f.TxnID,
			Value:  state,
		})
		q.logger.Error("request permanently failed", "txn_id", f.TxnID, "room_id", f.RoomID, "error", f.Err)
		if q.cfg.OnFailure != nil {
			q.cfg.OnFailure(f)
		}
	}
	q.publish(records...)
}

func (q *Queue) publish(records ...store.ChangeRecord) {
	if q.notifier == nil || len(records) == 0 {
		return
	}
	q.notifier.Publish(records)
}

// blockedLocked reports whether any parent of txn is still live.
func (q *Queue) blockedLocked(txn string) bool {
	for parent := range q.parents[txn] {
		if _, ok := q.entries[parent]; ok {
			return true
		}
	}
	return false
}

// reachableLocked reports whether to is reachable from from along child
// edges, bounding cycle checks to the live request set.
func (q *Queue) reachableLocked(from, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]struct{}{from: {}}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for child := range q.children[cur] {
			if child == to {
				return true
			}
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			stack = append(stack, child)
		}
	}
	return false
}

// closureLocked returns txn plus every transitive dependent, txn first.
func (q *Queue) closureLocked(txn string) []string {
	out := []string{txn}
	seen := map[string]struct{}{txn: {}}
	for i := 0; i < len(out); i++ {
		for child := range q.children[out[i]] {
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			out = append(out, child)
		}
	}
	return out
}

func (q *Queue) linkLocked(parent, child string) {
	if q.children[parent] == nil {
		q.children[parent] = make(map[string]struct{})
	}
	q.children[parent][child] = struct{}{}
	if q.parents[child] == nil {
		q.parents[child] = make(map[string]struct{})
	}
	q.parents[child][parent] = struct{}{}
}

func (q *Queue) unlinkLocked(parent, child string) {
	delete(q.children[parent], child)
	delete(q.parents[child], parent)
}

// dropLocked removes a request and every edge touching it from memory.
func (q *Queue) dropLocked(txn string) {
	delete(q.entries, txn)
	if t, ok := q.timers[txn]; ok {
		t.Stop()
		delete(q.timers, txn)
	}
	for child := range q.children[txn] {
		delete(q.parents[child], txn)
	}
	delete(q.children, txn)
	for parent := range q.parents[txn] {
		delete(q.children[parent], txn)
	}
	delete(q.parents, txn)
}
