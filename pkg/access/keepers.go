// Package access holds the owner-managed set of globally authorized keepers.
package access

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrNotOwner = errors.New("caller is not the owner")

// Authorizer answers whether an address may act as a keeper everywhere.
type Authorizer interface {
	IsAuthorized(addr common.Address) bool
}

type Keepers struct {
	mu      sync.RWMutex
	owner   common.Address
	keepers map[common.Address]bool
}

func NewKeepers(owner common.Address, initial ...common.Address) *Keepers {
	k := &Keepers{owner: owner, keepers: make(map[common.Address]bool)}
	for _, a := range initial {
		k.keepers[a] = true
	}
	return k
}

func (k *Keepers) Owner() common.Address { return k.owner }

func (k *Keepers) Authorize(caller, keeper common.Address) error {
	if caller != k.owner {
		return ErrNotOwner
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keepers[keeper] = true
	return nil
}

func (k *Keepers) Revoke(caller, keeper common.Address) error {
	if caller != k.owner {
		return ErrNotOwner
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keepers, keeper)
	return nil
}

func (k *Keepers) IsAuthorized(addr common.Address) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.keepers[addr]
}

// List returns the authorized keepers in no particular order.
func (k *Keepers) List() []common.Address {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]common.Address, 0, len(k.keepers))
	for a := range k.keepers {
		out = append(out, a)
	}
	return out
}

var _ Authorizer = (*Keepers)(nil)
