package vault

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	weth  = common.HexToAddress("0x00000000000000000000000000000000000000E1")
	alice = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob   = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	carol = common.HexToAddress("0xCC00000000000000000000000000000000000000")
)

func TestTransfer(t *testing.T) {
	l := NewLedger()
	l.Mint(weth, alice, uint256.NewInt(100))

	require.NoError(t, l.Transfer(weth, alice, bob, uint256.NewInt(40)))
	assert.Equal(t, uint64(60), l.BalanceOf(weth, alice).Uint64())
	assert.Equal(t, uint64(40), l.BalanceOf(weth, bob).Uint64())

	err := l.Transfer(weth, bob, alice, uint256.NewInt(41))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	l := NewLedger()
	l.Mint(weth, alice, uint256.NewInt(100))

	err := l.TransferFrom(carol, weth, alice, bob, uint256.NewInt(10))
	assert.ErrorIs(t, err, ErrInsufficientAllowance)

	l.Approve(weth, alice, carol, uint256.NewInt(30))
	require.NoError(t, l.TransferFrom(carol, weth, alice, bob, uint256.NewInt(10)))
	assert.Equal(t, uint64(20), l.Allowance(weth, alice, carol).Uint64())
	assert.Equal(t, uint64(10), l.BalanceOf(weth, bob).Uint64())
}

func TestRevertToSnapshot(t *testing.T) {
	l := NewLedger()
	l.Mint(weth, alice, uint256.NewInt(100))

	id := l.Snapshot()
	require.NoError(t, l.Transfer(weth, alice, bob, uint256.NewInt(70)))
	l.Approve(weth, bob, carol, uint256.NewInt(5))
	inner := l.Snapshot()
	require.NoError(t, l.Transfer(weth, bob, carol, uint256.NewInt(1)))

	require.NoError(t, l.RevertToSnapshot(inner))
	assert.Equal(t, uint64(0), l.BalanceOf(weth, carol).Uint64())
	assert.Equal(t, uint64(70), l.BalanceOf(weth, bob).Uint64())

	require.NoError(t, l.RevertToSnapshot(id))
	assert.Equal(t, uint64(100), l.BalanceOf(weth, alice).Uint64())
	assert.Equal(t, uint64(0), l.BalanceOf(weth, bob).Uint64())
	assert.Equal(t, uint64(0), l.Allowance(weth, bob, carol).Uint64())

	// snapshots after id are gone
	assert.ErrorIs(t, l.RevertToSnapshot(inner), ErrInvalidSnapshot)
}

func TestDiscardSnapshotKeepsChanges(t *testing.T) {
	l := NewLedger()
	l.Mint(weth, alice, uint256.NewInt(10))

	id := l.Snapshot()
	require.NoError(t, l.Transfer(weth, alice, bob, uint256.NewInt(4)))
	l.DiscardSnapshot(id)

	assert.Equal(t, uint64(4), l.BalanceOf(weth, bob).Uint64())
	assert.Empty(t, l.journal)
	assert.ErrorIs(t, l.RevertToSnapshot(id), ErrInvalidSnapshot)
}
