package venue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/paycore/internal/intent"
)

// Execution is what a venue executor reports back.
type Execution struct {
	Success     bool            `json:"success"`
	ReferenceID string          `json:"reference_id,omitempty"`
	FeePaid     decimal.Decimal `json:"fee_paid"`
	FillPercent decimal.Decimal `json:"fill_percent"`
	Error       string          `json:"error,omitempty"`
}

// Executor settles a signed intent on one venue. Timeouts are the
// executor's concern; the router waits for a result.
type Executor interface {
	Execute(ctx context.Context, si *intent.SignedIntent) (*Execution, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, si *intent.SignedIntent) (*Execution, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, si *intent.SignedIntent) (*Execution, error) {
	return f(ctx, si)
}

// SimulatedExecutor settles in-process after a delay, failing at a
// configured rate. It stands in for real network clients in test mode.
type SimulatedExecutor struct {
	Venue       Venue
	FailureRate float64 // 0..1
	Latency     time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSimulatedExecutor creates an executor for v. A zero seed uses the
// current time.
func NewSimulatedExecutor(v Venue, failureRate float64, seed int64) *SimulatedExecutor {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimulatedExecutor{
		Venue:       v,
		FailureRate: failureRate,
		Latency:     v.Latency,
		rnd:         rand.New(rand.NewSource(seed)),
	}
}

// Execute implements Executor.
func (s *SimulatedExecutor) Execute(ctx context.Context, si *intent.SignedIntent) (*Execution, error) {
	if s.Latency > 0 {
		t := time.NewTimer(s.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	s.mu.Lock()
	roll := s.rnd.Float64()
	s.mu.Unlock()

	if roll < s.FailureRate {
		return &Execution{Success: false, Error: "simulated settlement failure"}, nil
	}
	return &Execution{
		Success:     true,
		ReferenceID: "sim-" + uuid.NewString(),
		FeePaid:     s.Venue.EstimateFee(si.Intent.Amount),
		FillPercent: decimal.NewFromInt(100),
	}, nil
}
