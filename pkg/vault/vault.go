// Package vault is the token ledger the swap leg moves funds through.
//
// Ledger is an ERC-20 style balance/allowance book with a journal, so a failed
// operation can be rolled back to a snapshot the way a reverted call would be.
package vault

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidSnapshot       = errors.New("invalid snapshot")
)

// Vault is what the trigger engine needs from custody.
type Vault interface {
	BalanceOf(token, holder common.Address) *uint256.Int
	Allowance(token, owner, spender common.Address) *uint256.Int
	Transfer(token, from, to common.Address, amount *uint256.Int) error
	TransferFrom(spender, token, from, to common.Address, amount *uint256.Int) error
	Approve(token, owner, spender common.Address, amount *uint256.Int)
	Snapshot() int
	RevertToSnapshot(id int) error
	DiscardSnapshot(id int)
}

type balanceKey struct {
	token, holder common.Address
}

type allowanceKey struct {
	token, owner, spender common.Address
}

// journal entries restore the previous value when unwound
type journalEntry struct {
	balance   *balanceKey
	allowance *allowanceKey
	prev      *uint256.Int
}

// Ledger is the in-memory Vault.
type Ledger struct {
	mu         sync.Mutex
	balances   map[balanceKey]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	journal    []journalEntry
	snapshots  []int // journal length per snapshot id
}

func NewLedger() *Ledger {
	return &Ledger{
		balances:   make(map[balanceKey]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
	}
}

// Mint credits holder out of thin air. Used to fund accounts in devnet and tests.
func (l *Ledger) Mint(token, holder common.Address, amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := balanceKey{token, holder}
	l.setBalance(k, new(uint256.Int).Add(l.balance(k), amount))
}

func (l *Ledger) BalanceOf(token, holder common.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(balanceKey{token, holder}).Clone()
}

func (l *Ledger) Allowance(token, owner, spender common.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowance(allowanceKey{token, owner, spender}).Clone()
}

func (l *Ledger) Transfer(token, from, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transfer(token, from, to, amount)
}

// TransferFrom moves amount on behalf of from, consuming spender's allowance.
func (l *Ledger) TransferFrom(spender, token, from, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := allowanceKey{token, from, spender}
	allowed := l.allowance(k)
	if allowed.Lt(amount) {
		return fmt.Errorf("%w: %s allowed %s, need %s", ErrInsufficientAllowance, spender.Hex(), allowed.Dec(), amount.Dec())
	}
	if err := l.transfer(token, from, to, amount); err != nil {
		return err
	}
	l.setAllowance(k, new(uint256.Int).Sub(allowed, amount))
	return nil
}

func (l *Ledger) Approve(token, owner, spender common.Address, amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setAllowance(allowanceKey{token, owner, spender}, amount.Clone())
}

// Snapshot marks the current state and returns an id for RevertToSnapshot.
func (l *Ledger) Snapshot() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshots = append(l.snapshots, len(l.journal))
	return len(l.snapshots) - 1
}

// RevertToSnapshot undoes every change made since id was taken and drops later snapshots.
func (l *Ledger) RevertToSnapshot(id int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id < 0 || id >= len(l.snapshots) {
		return fmt.Errorf("%w: %d", ErrInvalidSnapshot, id)
	}
	mark := l.snapshots[id]
	for i := len(l.journal) - 1; i >= mark; i-- {
		e := l.journal[i]
		switch {
		case e.balance != nil:
			l.balances[*e.balance] = e.prev
		case e.allowance != nil:
			l.allowances[*e.allowance] = e.prev
		}
	}
	l.journal = l.journal[:mark]
	l.snapshots = l.snapshots[:id]
	return nil
}

// DiscardSnapshot keeps the changes made since id. Once no snapshot is open the
// journal is released.
func (l *Ledger) DiscardSnapshot(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id < 0 || id >= len(l.snapshots) {
		return
	}
	l.snapshots = l.snapshots[:id]
	if len(l.snapshots) == 0 {
		l.journal = l.journal[:0]
	}
}

func (l *Ledger) transfer(token, from, to common.Address, amount *uint256.Int) error {
	fk, tk := balanceKey{token, from}, balanceKey{token, to}
	fb := l.balance(fk)
	if fb.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, need %s", ErrInsufficientBalance, from.Hex(), fb.Dec(), amount.Dec())
	}
	l.setBalance(fk, new(uint256.Int).Sub(fb, amount))
	l.setBalance(tk, new(uint256.Int).Add(l.balance(tk), amount))
	return nil
}

func (l *Ledger) balance(k balanceKey) *uint256.Int {
	if v, ok := l.balances[k]; ok {
		return v
	}
	return new(uint256.Int)
}

func (l *Ledger) allowance(k allowanceKey) *uint256.Int {
	if v, ok := l.allowances[k]; ok {
		return v
	}
	return new(uint256.Int)
}

func (l *Ledger) setBalance(k balanceKey, v *uint256.Int) {
	kk := k
	l.journal = append(l.journal, journalEntry{balance: &kk, prev: l.balance(k)})
	l.balances[k] = v
}

func (l *Ledger) setAllowance(k allowanceKey, v *uint256.Int) {
	kk := k
	l.journal = append(l.journal, journalEntry{allowance: &kk, prev: l.allowance(k)})
	l.allowances[k] = v
}

var _ Vault = (*Ledger)(nil)
