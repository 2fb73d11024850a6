package limitorder

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrAlreadyInvalidated = errors.New("order already invalidated")

// Invalidator records cancelled or fully filled order hashes, like the base protocol's
// remaining-amount invalidator.
type Invalidator struct {
	mu          sync.RWMutex
	invalidated map[common.Hash]bool
}

func NewInvalidator() *Invalidator {
	return &Invalidator{invalidated: make(map[common.Hash]bool)}
}

// CancelOrder invalidates orderHash. params is accepted for interface compatibility and ignored.
func (i *Invalidator) CancelOrder(_ context.Context, orderHash common.Hash, _ []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.invalidated[orderHash] {
		return ErrAlreadyInvalidated
	}
	i.invalidated[orderHash] = true
	return nil
}

func (i *Invalidator) IsInvalidated(orderHash common.Hash) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.invalidated[orderHash]
}
