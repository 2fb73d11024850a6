package params

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"
)

var ErrInvalidDeployment = errors.New("invalid deployment")

// Deployment lists the in-process collaborators a daemon starts with: price feeds,
// liquidity routers, keepers and initial ledger balances.
type Deployment struct {
	Feeds    []FeedSpec    `yaml:"feeds"`
	Routers  []RouterSpec  `yaml:"routers"`
	Keepers  []string      `yaml:"keepers"`
	Balances []BalanceSpec `yaml:"balances"`
}

// FeedSpec seeds a static feed. Answer is in the feed's own decimals.
type FeedSpec struct {
	Address   string        `yaml:"address"`
	Decimals  uint8         `yaml:"decimals"`
	Answer    string        `yaml:"answer"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// RouterSpec is a fixed-rate router. Rate is output per 1e18 input units.
type RouterSpec struct {
	Address  string `yaml:"address"`
	Rate     string `yaml:"rate"`
	Approved bool   `yaml:"approved"`
}

type BalanceSpec struct {
	Token  string `yaml:"token"`
	Holder string `yaml:"holder"`
	Amount string `yaml:"amount"`
}

// LoadDeployment reads and validates a YAML deployment file.
func LoadDeployment(path string) (*Deployment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read deployment: %w", err)
	}
	return ParseDeployment(raw)
}

func ParseDeployment(raw []byte) (*Deployment, error) {
	var d Deployment
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDeployment, err)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *Deployment) validate() error {
	seen := make(map[common.Address]bool)
	for i, f := range d.Feeds {
		if !common.IsHexAddress(f.Address) {
			return fmt.Errorf("%w: feeds[%d] address %q", ErrInvalidDeployment, i, f.Address)
		}
		addr := common.HexToAddress(f.Address)
		if seen[addr] {
			return fmt.Errorf("%w: feed %s listed twice", ErrInvalidDeployment, addr.Hex())
		}
		seen[addr] = true
		if _, ok := new(big.Int).SetString(f.Answer, 10); !ok {
			return fmt.Errorf("%w: feeds[%d] answer %q", ErrInvalidDeployment, i, f.Answer)
		}
		if f.Heartbeat < 0 {
			return fmt.Errorf("%w: feeds[%d] negative heartbeat", ErrInvalidDeployment, i)
		}
	}
	for i, r := range d.Routers {
		if !common.IsHexAddress(r.Address) {
			return fmt.Errorf("%w: routers[%d] address %q", ErrInvalidDeployment, i, r.Address)
		}
		if v, err := uint256.FromDecimal(r.Rate); err != nil || v.IsZero() {
			return fmt.Errorf("%w: routers[%d] rate %q", ErrInvalidDeployment, i, r.Rate)
		}
	}
	for i, k := range d.Keepers {
		if !common.IsHexAddress(k) {
			return fmt.Errorf("%w: keepers[%d] %q", ErrInvalidDeployment, i, k)
		}
	}
	for i, b := range d.Balances {
		if !common.IsHexAddress(b.Token) || !common.IsHexAddress(b.Holder) {
			return fmt.Errorf("%w: balances[%d] address", ErrInvalidDeployment, i)
		}
		if _, err := uint256.FromDecimal(b.Amount); err != nil {
			return fmt.Errorf("%w: balances[%d] amount %q", ErrInvalidDeployment, i, b.Amount)
		}
	}
	return nil
}

// AnswerInt returns the feed's initial answer, already validated by ParseDeployment.
func (f FeedSpec) AnswerInt() *big.Int {
	v, _ := new(big.Int).SetString(f.Answer, 10)
	return v
}

func (f FeedSpec) Addr() common.Address   { return common.HexToAddress(f.Address) }
func (r RouterSpec) Addr() common.Address { return common.HexToAddress(r.Address) }

func (r RouterSpec) RateInt() *uint256.Int { return uint256.MustFromDecimal(r.Rate) }

func (b BalanceSpec) AmountInt() *uint256.Int { return uint256.MustFromDecimal(b.Amount) }

// KeeperAddrs returns the configured keeper addresses.
func (d *Deployment) KeeperAddrs() []common.Address {
	out := make([]common.Address, 0, len(d.Keepers))
	for _, k := range d.Keepers {
		out = append(out, common.HexToAddress(k))
	}
	return out
}
