// Package attest batches signed intents under Merkle roots and anchors the
// roots with an external service.
package attest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/paycore/internal/event"
	"github.com/gyaneshwarpardhi/paycore/internal/intent"
	"github.com/gyaneshwarpardhi/paycore/internal/metrics"
)

var (
	ErrBatchNotReady   = errors.New("attest: batch not ready")
	ErrNothingPending  = errors.New("attest: no pending intents")
	ErrFlushInProgress = errors.New("attest: flush already in progress")
	ErrBatchNotFound   = errors.New("attest: batch not found")
)

// Batch is an ordered set of signed intents under one Merkle root. Only the
// attestation fields change after creation.
type Batch struct {
	ID         string                 `json:"id"`
	Intents    []*intent.SignedIntent `json:"intents"`
	Leaves     []string               `json:"leaves"`
	Root       string                 `json:"merkle_root"`
	CreatedAt  time.Time              `json:"created_at"`
	AttestedAt time.Time              `json:"attested_at,omitempty"`
	AnchorRef  string                 `json:"anchor_ref,omitempty"`

	tree *Tree
}

// copy returns a snapshot safe to read while the attestor stamps the
// original. Intents and the tree are shared; they never change.
func (b *Batch) copy() *Batch {
	cp := *b
	return &cp
}

// Attested reports whether the root has been anchored.
func (b *Batch) Attested() bool {
	return b.AnchorRef != ""
}

// Verify recomputes the root from the batch's intents.
func (b *Batch) Verify() bool {
	if len(b.Intents) == 0 {
		return false
	}
	leaves := make([]string, len(b.Intents))
	for i, si := range b.Intents {
		h, err := si.LeafHash()
		if err != nil {
			return false
		}
		leaves[i] = h
	}
	t, err := NewTree(leaves)
	if err != nil {
		return false
	}
	return t.Root() == b.Root
}

// Proof returns the inclusion proof for leafHash.
func (b *Batch) Proof(leafHash string) (*Proof, error) {
	p, err := b.tree.Proof(leafHash)
	if err != nil {
		return nil, err
	}
	p.BatchID = b.ID
	return p, nil
}

// Anchorer submits a batch root to an external durability service and
// returns an opaque reference.
type Anchorer interface {
	Anchor(ctx context.Context, b *Batch) (string, error)
}

// AnchorFunc adapts a function to Anchorer.
type AnchorFunc func(ctx context.Context, b *Batch) (string, error)

// Anchor implements Anchorer.
func (f AnchorFunc) Anchor(ctx context.Context, b *Batch) (string, error) { return f(ctx, b) }

// LocalAnchorer anchors in-process. The reference is derived from the root.
type LocalAnchorer struct{}

// Anchor implements Anchorer.
func (LocalAnchorer) Anchor(_ context.Context, b *Batch) (string, error) {
	return "local:" + b.Root[:16], nil
}

type pendingItem struct {
	si   *intent.SignedIntent
	leaf string
}

// Attestor accumulates signed intents and turns them into batches.
type Attestor struct {
	mu       sync.Mutex
	size     int
	pending  []pendingItem
	batches  map[string]*Batch
	order    []string
	byIntent map[string]string

	flushing atomic.Bool
	anchorer Anchorer
	bus      *event.Bus
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Attestor.
type Option func(*Attestor)

// WithBus shares an event bus with other components.
func WithBus(b *event.Bus) Option { return func(a *Attestor) { a.bus = b } }

// WithLogger sets the attestor's logger.
func WithLogger(l *slog.Logger) Option { return func(a *Attestor) { a.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(a *Attestor) { a.now = now } }

// New creates an Attestor that cuts batches of size intents. A nil anchorer
// anchors locally.
func New(size int, anchorer Anchorer, opts ...Option) *Attestor {
	if size < 1 {
		size = 1
	}
	if anchorer == nil {
		anchorer = LocalAnchorer{}
	}
	a := &Attestor{
		size:     size,
		batches:  make(map[string]*Batch),
		byIntent: make(map[string]string),
		anchorer: anchorer,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	if a.bus == nil {
		a.bus = event.NewBus(a.logger)
	}
	return a
}

// Subscribe registers h for batch events.
func (a *Attestor) Subscribe(h event.Handler) func() {
	return a.bus.Subscribe(h)
}

// SetBatchSize changes the size used by the next readiness check.
func (a *Attestor) SetBatchSize(n int) {
	if n < 1 {
		n = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.size = n
}

// BatchSize returns the configured batch size.
func (a *Attestor) BatchSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// AddToBatch appends si to the pending queue.
func (a *Attestor) AddToBatch(si *intent.SignedIntent) error {
	leaf, err := si.LeafHash()
	if err != nil {
		return fmt.Errorf("attest: %w", err)
	}
	a.mu.Lock()
	a.pending = append(a.pending, pendingItem{si: si, leaf: leaf})
	metrics.PendingAttestations.Set(float64(len(a.pending)))
	a.mu.Unlock()
	return nil
}

// Remove drops a still-pending intent from the queue. It reports false once
// the intent is already in a batch.
func (a *Attestor) Remove(intentID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, p := range a.pending {
		if p.si.Intent.ID == intentID {
			a.pending = append(a.pending[:i:i], a.pending[i+1:]...)
			metrics.PendingAttestations.Set(float64(len(a.pending)))
			return true
		}
	}
	return false
}

// Pending returns the queue length.
func (a *Attestor) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// IsBatchReady reports whether the queue holds at least one full batch.
func (a *Attestor) IsBatchReady() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending) >= a.size
}

// CreateBatch drains up to batch size pending intents, or all of them when
// force is set, into a new batch. Without force a partial batch is never
// created.
func (a *Attestor) CreateBatch(force bool) (*Batch, error) {
	a.mu.Lock()
	n := len(a.pending)
	switch {
	case n == 0:
		a.mu.Unlock()
		return nil, ErrNothingPending
	case n < a.size && !force:
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %d of %d", ErrBatchNotReady, n, a.size)
	case n > a.size && !force:
		n = a.size
	}
	items := a.pending[:n]

	b := &Batch{
		ID:        uuid.NewString(),
		Intents:   make([]*intent.SignedIntent, n),
		Leaves:    make([]string, n),
		CreatedAt: a.now().UTC(),
	}
	for i, it := range items {
		b.Intents[i] = it.si
		b.Leaves[i] = it.leaf
	}
	tree, err := NewTree(b.Leaves)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	b.tree = tree
	b.Root = tree.Root()

	a.pending = append([]pendingItem(nil), a.pending[n:]...)
	a.batches[b.ID] = b
	a.order = append(a.order, b.ID)
	for _, si := range b.Intents {
		a.byIntent[si.Intent.ID] = b.ID
	}
	metrics.PendingAttestations.Set(float64(len(a.pending)))
	out := b.copy()
	a.mu.Unlock()

	metrics.BatchesCreated.Inc()
	a.logger.Info("batch created", "batch_id", b.ID, "intents", n, "root", b.Root, "forced", force)
	ev := event.New(event.BatchCreated, map[string]interface{}{
		"root":    b.Root,
		"size":    n,
		"forced":  force,
		"intents": intentIDs(b),
	})
	ev.BatchID = b.ID
	ev.Stage = "attest"
	a.bus.Publish(ev)
	return out, nil
}

// AttestBatch anchors b's root and stamps the batch. Anchoring an already
// attested batch is a no-op.
func (a *Attestor) AttestBatch(ctx context.Context, b *Batch) error {
	a.mu.Lock()
	stored, ok := a.batches[b.ID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBatchNotFound, b.ID)
	}
	done := stored.Attested()
	a.mu.Unlock()
	if done {
		return nil
	}

	ref, err := a.anchorer.Anchor(ctx, stored)
	if err != nil {
		return fmt.Errorf("attest: anchor batch %s: %w", b.ID, err)
	}

	a.mu.Lock()
	stored.AttestedAt = a.now().UTC()
	stored.AnchorRef = ref
	if b != stored {
		b.AttestedAt, b.AnchorRef = stored.AttestedAt, ref
	}
	a.mu.Unlock()

	metrics.BatchesAttested.Inc()
	a.logger.Info("batch attested", "batch_id", b.ID, "anchor_ref", ref)
	ev := event.New(event.BatchAttested, map[string]interface{}{
		"root":       b.Root,
		"anchor_ref": ref,
		"intents":    intentIDs(b),
	})
	ev.BatchID = b.ID
	ev.Stage = "attest"
	a.bus.Publish(ev)
	return nil
}

// Flush creates and attests every full batch, plus a partial one when force
// is set, and retries anchoring for batches whose earlier attempt failed.
// Only one flush runs at a time.
func (a *Attestor) Flush(ctx context.Context, force bool) ([]*Batch, error) {
	if !a.flushing.CompareAndSwap(false, true) {
		return nil, ErrFlushInProgress
	}
	defer a.flushing.Store(false)

	var created []*Batch
	for {
		b, err := a.CreateBatch(false)
		if err != nil {
			break
		}
		created = append(created, b)
	}
	if force {
		if b, err := a.CreateBatch(true); err == nil {
			created = append(created, b)
		}
	}

	var errs []error
	for _, b := range a.unattested() {
		if err := a.AttestBatch(ctx, b); err != nil {
			errs = append(errs, err)
		}
	}
	for i, b := range created {
		if cur, ok := a.Batch(b.ID); ok {
			created[i] = cur
		}
	}
	return created, errors.Join(errs...)
}

// Run flushes every interval until ctx is done. Periodic flushes never
// force a partial batch.
func (a *Attestor) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := a.Flush(ctx, false); err != nil && !errors.Is(err, ErrFlushInProgress) {
				a.logger.Warn("periodic flush failed", "err", err)
			}
		}
	}
}

// Batch returns a batch by id.
func (a *Attestor) Batch(id string) (*Batch, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.batches[id]
	if !ok {
		return nil, false
	}
	return b.copy(), true
}

// Batches returns all batches in creation order.
func (a *Attestor) Batches() []*Batch {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Batch, len(a.order))
	for i, id := range a.order {
		out[i] = a.batches[id].copy()
	}
	return out
}

// BatchForIntent returns the batch holding the intent.
func (a *Attestor) BatchForIntent(intentID string) (*Batch, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.byIntent[intentID]
	if !ok {
		return nil, false
	}
	return a.batches[id].copy(), true
}

// Proof returns the inclusion proof of leafHash in the batch.
func (a *Attestor) Proof(batchID, leafHash string) (*Proof, error) {
	b, ok := a.Batch(batchID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	return b.Proof(leafHash)
}

// VerifyProof checks p against the stored root of the batch.
func (a *Attestor) VerifyProof(batchID string, p Proof) (bool, error) {
	b, ok := a.Batch(batchID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	return VerifyProof(p, b.Root), nil
}

func (a *Attestor) unattested() []*Batch {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*Batch
	for _, id := range a.order {
		if b := a.batches[id]; !b.Attested() {
			out = append(out, b)
		}
	}
	return out
}

func intentIDs(b *Batch) []string {
	ids := make([]string, len(b.Intents))
	for i, si := range b.Intents {
		ids[i] = si.Intent.ID
	}
	return ids
}
