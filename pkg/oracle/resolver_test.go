package oracle

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/condorder/pkg/fixed"
	"github.com/uhyunpark/condorder/pkg/util"
)

var (
	owner     = common.HexToAddress("0x0000000000000000000000000000000000000A11")
	wethFeed  = common.HexToAddress("0x00000000000000000000000000000000000000F1")
	usdcFeed  = common.HexToAddress("0x00000000000000000000000000000000000000F2")
	startTime = time.Unix(1_700_000_000, 0)
)

func newTestResolver(t *testing.T) (*Resolver, *StaticFeed, *StaticFeed, *util.ManualClock) {
	t.Helper()
	clock := util.NewManualClock(startTime)
	now := uint64(startTime.Unix())

	maker := NewStaticFeed(8, big.NewInt(100_000_000), now) // 1.0
	taker := NewStaticFeed(8, big.NewInt(25_000), now)      // 0.00025

	reg := NewRegistry()
	require.NoError(t, reg.Register(wethFeed, maker))
	require.NoError(t, reg.Register(usdcFeed, taker))

	return NewResolver(reg, clock, owner, 0), maker, taker, clock
}

func TestPriceRatio(t *testing.T) {
	r, _, _, _ := newTestResolver(t)

	price, err := r.Price(context.Background(), wethFeed, usdcFeed)
	require.NoError(t, err)
	assert.Equal(t, fixed.Units(4000).Dec(), price.Dec())
}

func TestPriceRejectsNonPositive(t *testing.T) {
	r, maker, _, _ := newTestResolver(t)
	now := uint64(startTime.Unix())

	for _, v := range []int64{0, -5} {
		maker.Update(big.NewInt(v), now)
		_, err := r.Price(context.Background(), wethFeed, usdcFeed)
		assert.ErrorIs(t, err, ErrInvalidOraclePrice)
	}
}

func TestPriceStaleness(t *testing.T) {
	r, _, taker, clock := newTestResolver(t)
	ctx := context.Background()

	// exactly at the heartbeat boundary is still fresh
	clock.Advance(DefaultHeartbeat)
	_, err := r.Price(ctx, wethFeed, usdcFeed)
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = r.Price(ctx, wethFeed, usdcFeed)
	assert.ErrorIs(t, err, ErrStaleOraclePrice)

	// refreshing only the taker leg is not enough
	taker.Update(big.NewInt(25_000), util.Unix(clock))
	_, err = r.Price(ctx, wethFeed, usdcFeed)
	assert.ErrorIs(t, err, ErrStaleOraclePrice)
}

func TestCustomHeartbeat(t *testing.T) {
	r, _, _, clock := newTestResolver(t)

	require.ErrorIs(t, r.SetHeartbeat(wethFeed, wethFeed, time.Minute), ErrNotOwner)
	require.NoError(t, r.SetHeartbeat(owner, wethFeed, time.Minute))
	assert.Equal(t, time.Minute, r.Heartbeat(wethFeed))
	assert.Equal(t, DefaultHeartbeat, r.Heartbeat(usdcFeed))

	clock.Advance(2 * time.Minute)
	_, err := r.Price(context.Background(), wethFeed, usdcFeed)
	assert.ErrorIs(t, err, ErrStaleOraclePrice)

	require.NoError(t, r.SetHeartbeat(owner, wethFeed, 0))
	_, err = r.Price(context.Background(), wethFeed, usdcFeed)
	assert.NoError(t, err)
}

func TestUnknownAndZeroOracle(t *testing.T) {
	r, _, _, _ := newTestResolver(t)

	_, err := r.Price(context.Background(), common.Address{}, usdcFeed)
	assert.ErrorIs(t, err, ErrInvalidOracle)

	_, err = r.Price(context.Background(), wethFeed, common.HexToAddress("0xdead"))
	assert.ErrorIs(t, err, ErrUnknownOracle)
}

func TestRegistryDuplicate(t *testing.T) {
	reg := NewRegistry()
	f := NewStaticFeed(8, big.NewInt(1), 0)
	require.NoError(t, reg.Register(wethFeed, f))
	assert.Error(t, reg.Register(wethFeed, f))
}
