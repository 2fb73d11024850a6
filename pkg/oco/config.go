package oco

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	// MaxExpiry bounds how far ahead a pair may expire.
	MaxExpiry = 30 * 24 * 60 * 60
	// DefaultCancellationDelay is the wait between a leg executing and its sibling being cancelled.
	DefaultCancellationDelay = 30
)

// DefaultMaxGasPriceCap is 1000 gwei.
var DefaultMaxGasPriceCap = uint256.NewInt(1000_000_000_000)

var (
	ErrNotConfigured                = errors.New("oco not configured")
	ErrOCOAlreadyConfigured         = errors.New("oco already configured")
	ErrSameOrderHash                = errors.New("oco legs must differ")
	ErrInvalidOrderHash             = errors.New("invalid order hash")
	ErrUnauthorizedCaller           = errors.New("unauthorized caller")
	ErrUnauthorizedKeeper           = errors.New("unauthorized keeper")
	ErrOnlyProtocol                 = errors.New("only the limit order protocol may call")
	ErrInvalidExpiration            = errors.New("invalid expiration")
	ErrInvalidStrategy              = errors.New("invalid oco strategy")
	ErrInvalidGasPrice              = errors.New("invalid max gas price")
	ErrOrderAlreadyLinked           = errors.New("order already linked to another oco")
	ErrLegMismatch                  = errors.New("leg order does not match its hash")
	ErrMaxGasPriceExceeded          = errors.New("max gas price exceeded")
	ErrOrderAlreadyExecuted         = errors.New("order already executed")
	ErrCancellationAlreadyRequested = errors.New("cancellation already requested")
	ErrCancellationNotRequested     = errors.New("cancellation not requested")
	ErrCancellationNotReady         = errors.New("cancellation not ready")
	ErrCancellationAlreadyProcessed = errors.New("cancellation already processed")
	ErrReentrantCall                = errors.New("reentrant call")
)

// Strategy is a descriptive label for how the two legs relate.
type Strategy uint8

const (
	// Bracket pairs a take-profit above with a stop-loss below.
	Bracket Strategy = iota
	// Breakout enters on a move out of a range in either direction.
	Breakout
	// Range sells the top and buys the bottom of a range.
	Range
)

var strategyNames = [...]string{"BRACKET", "BREAKOUT", "RANGE"}

func (s Strategy) Valid() bool { return int(s) < len(strategyNames) }

func (s Strategy) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Strategy(%d)", uint8(s))
	}
	return strategyNames[s]
}

func ParseStrategy(name string) (Strategy, error) {
	for i, n := range strategyNames {
		if strings.EqualFold(n, name) {
			return Strategy(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidStrategy, name)
}

// Config links two orders of one maker. A nil or zero MaxGasPrice means no limit.
type Config struct {
	PrimaryHash      common.Hash    `json:"primaryHash"`
	SecondaryHash    common.Hash    `json:"secondaryHash"`
	OrderMaker       common.Address `json:"orderMaker"`
	Strategy         Strategy       `json:"strategy"`
	RestrictedKeeper common.Address `json:"restrictedKeeper"`
	MaxGasPrice      *uint256.Int   `json:"maxGasPrice"`
	ExpiresAt        uint64         `json:"expiresAt"`
}

type State struct {
	PrimaryExecuted   bool   `json:"primaryExecuted"`
	SecondaryExecuted bool   `json:"secondaryExecuted"`
	Active            bool   `json:"active"`
	ConfiguredAt      uint64 `json:"configuredAt"`
	ExecutedAt        uint64 `json:"executedAt,omitempty"`
}

// Record is the persisted unit for one OCO id.
type Record struct {
	Config Config `json:"config"`
	State  State  `json:"state"`
}

// CancellationRequest asks keepers to cancel OrderHash once the delay has passed.
type CancellationRequest struct {
	OrderHash   common.Hash    `json:"orderHash"`
	OCOID       common.Hash    `json:"ocoId"`
	RequestedAt uint64         `json:"requestedAt"`
	RequestedBy common.Address `json:"requestedBy"`
	Processed   bool           `json:"processed"`
	ProcessedAt uint64         `json:"processedAt,omitempty"`
	// Failure holds the cancel call's error, if it failed after being marked processed.
	Failure string `json:"failure,omitempty"`
}

func (r Record) clone() Record {
	if r.Config.MaxGasPrice != nil {
		r.Config.MaxGasPrice = r.Config.MaxGasPrice.Clone()
	}
	return r
}

// sibling returns the other leg of the pair and whether leg is the primary.
func (c *Config) sibling(leg common.Hash) (common.Hash, bool) {
	if leg == c.PrimaryHash {
		return c.SecondaryHash, true
	}
	return c.PrimaryHash, false
}

func (c *Config) hasGasLimit() bool {
	return c.MaxGasPrice != nil && !c.MaxGasPrice.IsZero()
}

// validate checks the static fields against now and the gas cap.
func (c *Config) validate(now uint64, gasCap *uint256.Int) error {
	if c.PrimaryHash == (common.Hash{}) || c.SecondaryHash == (common.Hash{}) {
		return ErrInvalidOrderHash
	}
	if c.PrimaryHash == c.SecondaryHash {
		return ErrSameOrderHash
	}
	if c.ExpiresAt <= now || c.ExpiresAt > now+MaxExpiry {
		return fmt.Errorf("%w: %d not in (%d, %d]", ErrInvalidExpiration, c.ExpiresAt, now, now+MaxExpiry)
	}
	if !c.Strategy.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidStrategy, c.Strategy)
	}
	if c.hasGasLimit() && c.MaxGasPrice.Gt(gasCap) {
		return fmt.Errorf("%w: %s above cap %s", ErrInvalidGasPrice, c.MaxGasPrice.Dec(), gasCap.Dec())
	}
	return nil
}
