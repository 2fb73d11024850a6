package oco

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/condorder/pkg/access"
	"github.com/uhyunpark/condorder/pkg/events"
	"github.com/uhyunpark/condorder/pkg/fixed"
	"github.com/uhyunpark/condorder/pkg/limitorder"
	"github.com/uhyunpark/condorder/pkg/util"
)

var (
	owner      = common.HexToAddress("0x0000000000000000000000000000000000000A11")
	protocol   = common.HexToAddress("0x0000000000000000000000000000000000000B0B")
	maker      = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	keeper     = common.HexToAddress("0xCC00000000000000000000000000000000000000")
	restricted = common.HexToAddress("0xCD00000000000000000000000000000000000000")
	stranger   = common.HexToAddress("0xDD00000000000000000000000000000000000000")

	hasher = limitorder.NewHasher(limitorder.DefaultDomain())
	orderA = legOrder(maker, 1)
	orderB = legOrder(maker, 2)
	legA   = hashOf(orderA)
	legB   = hashOf(orderB)
	start  = time.Unix(1_700_000_000, 0)
)

func legOrder(m common.Address, salt uint64) *limitorder.Order {
	return &limitorder.Order{
		Salt:         uint256.NewInt(salt),
		Maker:        m,
		MakerAsset:   common.HexToAddress("0x00000000000000000000000000000000000000E1"),
		TakerAsset:   common.HexToAddress("0x00000000000000000000000000000000000000E2"),
		MakingAmount: fixed.One,
		TakingAmount: uint256.NewInt(4000_000_000),
		MakerTraits:  new(uint256.Int),
	}
}

func hashOf(o *limitorder.Order) common.Hash {
	h, err := hasher.HashOrder(o)
	if err != nil {
		panic(err)
	}
	return h
}

type fakeCanceller struct {
	calls []common.Hash
	err   error
}

func (f *fakeCanceller) CancelOrder(_ context.Context, h common.Hash, _ []byte) error {
	f.calls = append(f.calls, h)
	return f.err
}

type fixture struct {
	engine    *Engine
	clock     *util.ManualClock
	canceller *fakeCanceller
	recorder  *events.Recorder
	id        common.Hash
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := util.NewManualClock(start)
	f := &fixture{clock: clock, canceller: &fakeCanceller{}, recorder: &events.Recorder{}}
	f.engine = NewEngine(Options{
		Protocol:  protocol,
		Keepers:   access.NewKeepers(owner, keeper),
		Canceller: f.canceller,
		Events:    f.recorder,
		Clock:     clock,
	})
	f.id = DeriveID(legA, legB, maker, 0)
	return f
}

func (f *fixture) legs() Legs {
	return Legs{Primary: orderA, Secondary: orderB}
}

func (f *fixture) config() Config {
	return Config{
		PrimaryHash:   legA,
		SecondaryHash: legB,
		OrderMaker:    maker,
		Strategy:      Bracket,
		ExpiresAt:     uint64(start.Unix()) + 86400,
	}
}

func TestDeriveID(t *testing.T) {
	a := DeriveID(legA, legB, maker, 0)
	assert.Equal(t, a, DeriveID(legA, legB, maker, 0))
	assert.NotEqual(t, a, DeriveID(legB, legA, maker, 0))
	assert.NotEqual(t, a, DeriveID(legA, legB, maker, 1))
	assert.NotEqual(t, common.Hash{}, a)
}

func TestConfigureValidation(t *testing.T) {
	now := uint64(start.Unix())
	tests := []struct {
		name   string
		caller common.Address
		mutate func(*Config)
		want   error
	}{
		{"same legs", maker, func(c *Config) { c.SecondaryHash = legA }, ErrSameOrderHash},
		{"zero leg", maker, func(c *Config) { c.PrimaryHash = common.Hash{} }, ErrInvalidOrderHash},
		{"not maker", stranger, func(*Config) {}, ErrUnauthorizedCaller},
		{"expires now", maker, func(c *Config) { c.ExpiresAt = now }, ErrInvalidExpiration},
		{"expires too late", maker, func(c *Config) { c.ExpiresAt = now + MaxExpiry + 1 }, ErrInvalidExpiration},
		{"strategy", maker, func(c *Config) { c.Strategy = 3 }, ErrInvalidStrategy},
		{"gas above cap", maker, func(c *Config) { c.MaxGasPrice = uint256.NewInt(1000_000_000_001) }, ErrInvalidGasPrice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			cfg := f.config()
			tt.mutate(&cfg)
			assert.ErrorIs(t, f.engine.Configure(tt.caller, f.id, cfg, f.legs()), tt.want)
			_, err := f.engine.Status(f.id)
			assert.ErrorIs(t, err, ErrNotConfigured)
			_, linked := f.engine.LinkedID(legA)
			assert.False(t, linked)
		})
	}

	t.Run("expiry at the bound", func(t *testing.T) {
		f := newFixture(t)
		cfg := f.config()
		cfg.ExpiresAt = now + MaxExpiry
		cfg.MaxGasPrice = DefaultMaxGasPriceCap.Clone()
		assert.NoError(t, f.engine.Configure(maker, f.id, cfg, f.legs()))
	})
}

func TestConfigureRejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Configure(maker, f.id, f.config(), f.legs()))
	assert.ErrorIs(t, f.engine.Configure(maker, f.id, f.config(), f.legs()), ErrOCOAlreadyConfigured)

	orderC := legOrder(maker, 3)
	other := f.config()
	other.SecondaryHash = hashOf(orderC)
	err := f.engine.Configure(maker, DeriveID(legA, other.SecondaryHash, maker, 0), other, Legs{Primary: orderA, Secondary: orderC})
	assert.ErrorIs(t, err, ErrOrderAlreadyLinked)
}

func TestPairScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.Configure(maker, f.id, f.config(), f.legs()))

	require.NoError(t, f.engine.OnLegPreFill(protocol, legA, uint256.NewInt(30_000_000_000)))

	st, err := f.engine.Status(f.id)
	require.NoError(t, err)
	assert.False(t, st.State.Active)
	assert.True(t, st.State.PrimaryExecuted)
	assert.False(t, st.State.SecondaryExecuted)
	require.Len(t, st.Requests, 1)
	assert.Equal(t, legB, st.Requests[0].OrderHash)
	assert.Equal(t, uint64(start.Unix()), st.Requests[0].RequestedAt)

	// the sibling is blocked before any cancellation runs
	q := limitorder.Query{OrderHash: legB, MakingAmount: fixed.One}
	taking, err := f.engine.TakingAmount(ctx, q)
	require.NoError(t, err)
	assert.True(t, taking.Eq(fixed.MaxUint256))

	assert.Empty(t, f.engine.PendingCancellations())
	assert.ErrorIs(t, f.engine.ProcessCancellation(ctx, keeper, legB, nil), ErrCancellationNotReady)

	f.clock.Advance(30 * time.Second)
	assert.Equal(t, []common.Hash{legB}, f.engine.PendingCancellations())
	require.NoError(t, f.engine.ProcessCancellation(ctx, keeper, legB, nil))

	req, ok := f.engine.Cancellation(legB)
	require.True(t, ok)
	assert.True(t, req.Processed)
	assert.Equal(t, []common.Hash{legB}, f.canceller.calls)
	assert.Empty(t, f.engine.PendingCancellations())

	// a second run observes the same state and does not call out again
	assert.ErrorIs(t, f.engine.ProcessCancellation(ctx, keeper, legB, nil), ErrCancellationAlreadyProcessed)
	assert.Len(t, f.canceller.calls, 1)

	assert.Equal(t, []events.Type{
		events.OCOConfigured,
		events.OCOExecuted,
		events.CancellationRequested,
		events.CancellationProcessed,
	}, f.recorder.Types())
}

func TestOnLegPreFill(t *testing.T) {
	f := newFixture(t)
	cfg := f.config()
	cfg.MaxGasPrice = uint256.NewInt(50_000_000_000)
	require.NoError(t, f.engine.Configure(maker, f.id, cfg, f.legs()))

	assert.ErrorIs(t, f.engine.OnLegPreFill(maker, legB, nil), ErrOnlyProtocol)
	assert.NoError(t, f.engine.OnLegPreFill(protocol, common.HexToHash("0xff"), nil), "unlinked is a no-op")
	assert.ErrorIs(t, f.engine.OnLegPreFill(protocol, legB, uint256.NewInt(50_000_000_001)), ErrMaxGasPriceExceeded)

	st, err := f.engine.Status(f.id)
	require.NoError(t, err)
	assert.True(t, st.State.Active, "rejected hook leaves the pair untouched")

	require.NoError(t, f.engine.OnLegPreFill(protocol, legB, uint256.NewInt(50_000_000_000)))
	st, err = f.engine.Status(f.id)
	require.NoError(t, err)
	assert.True(t, st.State.SecondaryExecuted)
	assert.False(t, st.State.PrimaryExecuted)

	// the pair is inactive, so neither leg can execute again
	require.NoError(t, f.engine.OnLegPreFill(protocol, legA, nil))
	require.NoError(t, f.engine.OnLegPreFill(protocol, legB, nil))
	st, err = f.engine.Status(f.id)
	require.NoError(t, err)
	assert.False(t, st.State.PrimaryExecuted)
	require.Len(t, st.Requests, 1)
	assert.Equal(t, legA, st.Requests[0].OrderHash)
}

func TestProcessCancellationAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.config()
	cfg.RestrictedKeeper = restricted
	require.NoError(t, f.engine.Configure(maker, f.id, cfg, f.legs()))

	assert.ErrorIs(t, f.engine.ProcessCancellation(ctx, keeper, legB, nil), ErrCancellationNotRequested)

	require.NoError(t, f.engine.OnLegPreFill(protocol, legA, nil))
	f.clock.Advance(time.Minute)

	assert.ErrorIs(t, f.engine.ProcessCancellation(ctx, stranger, legB, nil), ErrUnauthorizedKeeper)
	assert.NoError(t, f.engine.ProcessCancellation(ctx, restricted, legB, nil))
}

func TestProcessCancellationSwallowsCancelFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.canceller.err = errors.New("order already filled")
	require.NoError(t, f.engine.Configure(maker, f.id, f.config(), f.legs()))
	require.NoError(t, f.engine.OnLegPreFill(protocol, legA, nil))
	f.clock.Advance(30 * time.Second)

	require.NoError(t, f.engine.ProcessCancellation(ctx, keeper, legB, nil))
	req, ok := f.engine.Cancellation(legB)
	require.True(t, ok)
	assert.True(t, req.Processed)
	assert.Equal(t, "order already filled", req.Failure)
	assert.Contains(t, f.recorder.Types(), events.CancellationFailed)

	assert.ErrorIs(t, f.engine.ProcessCancellation(ctx, keeper, legB, nil), ErrCancellationAlreadyProcessed)
	assert.Len(t, f.canceller.calls, 1)
}

func TestAmounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := &limitorder.Order{MakingAmount: fixed.One, TakingAmount: uint256.NewInt(4000_000_000)}
	require.NoError(t, f.engine.Configure(maker, f.id, f.config(), f.legs()))

	q := limitorder.Query{Order: order, OrderHash: legA, MakingAmount: fixed.One, TakingAmount: uint256.NewInt(2000_000_000)}
	taking, err := f.engine.TakingAmount(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, uint64(4000_000_000), taking.Uint64())
	making, err := f.engine.MakingAmount(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, "500000000000000000", making.Dec())

	f.clock.Advance(86400 * time.Second)
	making, err = f.engine.MakingAmount(ctx, q)
	require.NoError(t, err)
	assert.True(t, making.IsZero(), "expired")
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Configure(maker, f.id, f.config(), f.legs()))
	assert.ErrorIs(t, f.engine.Remove(stranger, f.id), ErrUnauthorizedCaller)
	require.NoError(t, f.engine.Remove(maker, f.id))
	_, linked := f.engine.LinkedID(legA)
	assert.False(t, linked)

	// legs may be linked again once unlinked
	assert.NoError(t, f.engine.Configure(maker, DeriveID(legA, legB, maker, 1), f.config(), f.legs()))
}

func TestConfigureRequiresOwnLegs(t *testing.T) {
	f := newFixture(t)
	stolen := f.config()
	stolen.OrderMaker = stranger
	stolen.ExpiresAt = uint64(start.Unix()) + 1
	id := DeriveID(legA, legB, stranger, 0)

	// another maker's orders
	assert.ErrorIs(t, f.engine.Configure(stranger, id, stolen, f.legs()), ErrUnauthorizedCaller)

	// an own order passed off under someone else's hash
	forged := Legs{Primary: legOrder(stranger, 1), Secondary: legOrder(stranger, 2)}
	assert.ErrorIs(t, f.engine.Configure(stranger, id, stolen, forged), ErrLegMismatch)

	assert.ErrorIs(t, f.engine.Configure(maker, f.id, f.config(), Legs{Primary: orderA}), ErrLegMismatch)

	_, linked := f.engine.LinkedID(legA)
	assert.False(t, linked)
	require.NoError(t, f.engine.Configure(maker, f.id, f.config(), f.legs()))
}

// memStore keeps records in maps. failExecution makes SaveExecution fail without writing.
type memStore struct {
	recs          map[common.Hash]Record
	reqs          map[common.Hash]CancellationRequest
	failExecution error
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[common.Hash]Record), reqs: make(map[common.Hash]CancellationRequest)}
}

func (m *memStore) SaveOCO(id common.Hash, rec Record) error {
	m.recs[id] = rec.clone()
	return nil
}

func (m *memStore) DeleteOCO(id common.Hash) error {
	delete(m.recs, id)
	return nil
}

func (m *memStore) LoadOCOs() (map[common.Hash]Record, error) {
	out := make(map[common.Hash]Record, len(m.recs))
	for id, r := range m.recs {
		out[id] = r.clone()
	}
	return out, nil
}

func (m *memStore) SaveCancellation(h common.Hash, req CancellationRequest) error {
	m.reqs[h] = req
	return nil
}

func (m *memStore) LoadCancellations() (map[common.Hash]CancellationRequest, error) {
	out := make(map[common.Hash]CancellationRequest, len(m.reqs))
	for h, r := range m.reqs {
		out[h] = r
	}
	return out, nil
}

func (m *memStore) SaveExecution(id common.Hash, rec Record, req CancellationRequest) error {
	if m.failExecution != nil {
		return m.failExecution
	}
	m.recs[id] = rec.clone()
	m.reqs[req.OrderHash] = req
	return nil
}

func TestOnLegPreFillStoreFailureLeavesPairUntouched(t *testing.T) {
	clock := util.NewManualClock(start)
	store := newMemStore()
	opts := Options{
		Protocol: protocol,
		Keepers:  access.NewKeepers(owner, keeper),
		Store:    store,
		Clock:    clock,
	}
	e := NewEngine(opts)
	id := DeriveID(legA, legB, maker, 0)
	cfg := Config{PrimaryHash: legA, SecondaryHash: legB, OrderMaker: maker, ExpiresAt: uint64(start.Unix()) + 3600}
	require.NoError(t, e.Configure(maker, id, cfg, Legs{Primary: orderA, Secondary: orderB}))

	store.failExecution = errors.New("disk full")
	assert.Error(t, e.OnLegPreFill(protocol, legA, nil))

	st, err := e.Status(id)
	require.NoError(t, err)
	assert.True(t, st.State.Active)
	assert.False(t, st.State.PrimaryExecuted)
	assert.Empty(t, st.Requests)
	assert.True(t, store.recs[id].State.Active, "nothing persisted")
	assert.Empty(t, store.reqs)

	// the hook runs again once the store recovers, and a restart sees both writes
	store.failExecution = nil
	require.NoError(t, e.OnLegPreFill(protocol, legA, nil))

	restored := NewEngine(opts)
	require.NoError(t, restored.Load(context.Background()))
	st, err = restored.Status(id)
	require.NoError(t, err)
	assert.False(t, st.State.Active)
	assert.True(t, st.State.PrimaryExecuted)
	clock.Advance(DefaultCancellationDelay * time.Second)
	assert.Equal(t, []common.Hash{legB}, restored.PendingCancellations())
}
