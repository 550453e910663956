package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Tar-ive/imaginecup2026-sub001/pkg/domain"
)

// SimBackend is an in-process settlement rail. FailuresBeforeSuccess
// simulates a flaky gateway: the first N Settle calls per mandate fail
// transiently, then the call succeeds. Settlement is idempotent per
// mandate.
type SimBackend struct {
	FailuresBeforeSuccess int

	mu       sync.Mutex
	attempts map[string]int
	refs     map[string]string
}

func NewSimBackend() *SimBackend {
	return &SimBackend{
		attempts: make(map[string]int),
		refs:     make(map[string]string),
	}
}

// Settle moves funds for a mandate and returns the settlement reference.
// Re-settling an already settled mandate returns the original reference.
func (b *SimBackend) Settle(ctx context.Context, mandateID, amount, currency, supplierID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if mandateID == "" {
		return "", domain.Validationf("mandate_id", "is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ref, ok := b.refs[mandateID]; ok {
		return ref, nil
	}
	b.attempts[mandateID]++
	if b.attempts[mandateID] <= b.FailuresBeforeSuccess {
		return "", domain.Transient(fmt.Errorf("settlement gateway timeout for %s", mandateID))
	}
	ref := "stl_" + uuid.NewString()
	b.refs[mandateID] = ref
	return ref, nil
}

// Attempts reports how many Settle calls a mandate has seen.
func (b *SimBackend) Attempts(mandateID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts[mandateID]
}
