// Package quota tracks capacity holds taken before a cluster launch.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrHoldNotFound is returned when releasing a hold that does not exist.
	ErrHoldNotFound = errors.New("quota hold not found")

	// ErrInsufficientQuota is returned when a hold would exceed capacity.
	ErrInsufficientQuota = errors.New("insufficient quota")
)

// Releaser is the narrow contract the launch worker depends on.
type Releaser interface {
	ReleaseHold(ctx context.Context, holdID string) error
}

// Ledger reserves and releases capacity.
type Ledger interface {
	Releaser
	Hold(ctx context.Context, owner string, amount float64) (string, error)
}

// Hold is one outstanding reservation.
type Hold struct {
	ID        string
	Owner     string
	Amount    float64
	CreatedAt time.Time
}

// MemoryLedger is an in-process Ledger with a fixed capacity. A capacity of
// zero or less is unlimited.
type MemoryLedger struct {
	mu       sync.Mutex
	capacity float64
	used     float64
	holds    map[string]Hold
	released int
}

// NewMemoryLedger creates a ledger with the given capacity.
func NewMemoryLedger(capacity float64) *MemoryLedger {
	return &MemoryLedger{capacity: capacity, holds: make(map[string]Hold)}
}

// Hold reserves amount for owner and returns the hold id.
func (l *MemoryLedger) Hold(_ context.Context, owner string, amount float64) (string, error) {
	if amount < 0 {
		return "", fmt.Errorf("hold amount must be non-negative, got %v", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.capacity > 0 && l.used+amount > l.capacity {
		return "", fmt.Errorf("%w: requested %v, available %v", ErrInsufficientQuota, amount, l.capacity-l.used)
	}
	h := Hold{ID: uuid.New().String(), Owner: owner, Amount: amount, CreatedAt: time.Now().UTC()}
	l.holds[h.ID] = h
	l.used += amount
	return h.ID, nil
}

// ReleaseHold returns a hold's amount to the pool.
func (l *MemoryLedger) ReleaseHold(_ context.Context, holdID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.holds[holdID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrHoldNotFound, holdID)
	}
	delete(l.holds, holdID)
	l.used -= h.Amount
	l.released++
	return nil
}

// Used reports the reserved amount.
func (l *MemoryLedger) Used() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}

// Holds lists outstanding holds.
func (l *MemoryLedger) Holds() []Hold {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Hold, 0, len(l.holds))
	for _, h := range l.holds {
		out = append(out, h)
	}
	return out
}

// Released reports how many holds have been released.
func (l *MemoryLedger) Released() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}
