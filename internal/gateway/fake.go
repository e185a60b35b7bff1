package gateway

import (
	"context"
	"sync"

	"github.com/mversen/custodia/internal/idgen"
)

// Fake is an in-memory PaymentGateway for development mode and tests.
//
// It honors idempotency keys the way a real rail does: a repeated call with
// a known key returns the stored reference without creating a new one. Tests
// use the call counters to assert that retries never double-move money.
type Fake struct {
	mu sync.Mutex

	// results maps idempotencyKey → reference returned for that key.
	results map[string]string

	// Call counts per operation, ignoring idempotent replays.
	Holds     int
	Captures  int
	Transfers int
	Cancels   int
	Refunds   int

	// Fail injects an error for the named operations ("hold", "capture",
	// "transfer", "cancel", "refund"). Consulted before the idempotency
	// replay check, like a rail that is down.
	Fail map[string]error
}

// NewFake creates an empty fake gateway.
func NewFake() *Fake {
	return &Fake{results: make(map[string]string)}
}

func (f *Fake) do(op, idempotencyKey, refPrefix string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.Fail[op]; err != nil {
		return "", err
	}
	if ref, ok := f.results[idempotencyKey]; ok {
		return ref, nil
	}

	ref := idgen.WithPrefix(refPrefix)
	f.results[idempotencyKey] = ref
	switch op {
	case "hold":
		f.Holds++
	case "capture":
		f.Captures++
	case "transfer":
		f.Transfers++
	case "cancel":
		f.Cancels++
	case "refund":
		f.Refunds++
	}
	return ref, nil
}

func (f *Fake) AuthorizeHold(ctx context.Context, payerRef string, amountCents int64, currency, idempotencyKey string) (string, error) {
	return f.do("hold", idempotencyKey, "hold_")
}

func (f *Fake) Capture(ctx context.Context, holdRef, idempotencyKey string) (string, error) {
	return f.do("capture", idempotencyKey, "ch_")
}

func (f *Fake) TransferToPayee(ctx context.Context, captureRef, payeeRef string, netCents int64, currency, idempotencyKey string) (string, error) {
	return f.do("transfer", idempotencyKey, "tr_")
}

func (f *Fake) CancelHold(ctx context.Context, holdRef, idempotencyKey string) error {
	_, err := f.do("cancel", idempotencyKey, "cxl_")
	return err
}

func (f *Fake) Refund(ctx context.Context, captureRef string, amountCents int64, idempotencyKey string) (string, error) {
	return f.do("refund", idempotencyKey, "re_")
}

// SetFail arranges for op to fail with err; pass nil to clear.
func (f *Fake) SetFail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail == nil {
		f.Fail = make(map[string]error)
	}
	if err == nil {
		delete(f.Fail, op)
		return
	}
	f.Fail[op] = err
}

var _ PaymentGateway = (*Fake)(nil)
