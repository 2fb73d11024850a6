package api

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/condorder/pkg/limitorder"
)

// API request and response types for REST endpoints and WebSocket messages.
// Amounts are decimal strings: prices in whole units (18-decimal on the wire of the
// engines), token amounts in the token's base units.

// ==============================
// Maker request payloads (inside crypto.SignedRequest)
// ==============================

// StopLossRequest configures a stop-loss or take-profit. ThresholdPrice is a human
// price such as "3800.5".
type StopLossRequest struct {
	OrderHash        common.Hash    `json:"orderHash"`
	MakerOracle      common.Address `json:"makerOracle"`
	TakerOracle      common.Address `json:"takerOracle"`
	ThresholdPrice   string         `json:"thresholdPrice"`
	MaxSlippageBps   uint64         `json:"maxSlippageBps"`
	MaxDeviationBps  uint64         `json:"maxDeviationBps"`
	IsStopLoss       bool           `json:"isStopLoss"`
	RestrictedKeeper common.Address `json:"restrictedKeeper"`
	MakerDecimals    uint8          `json:"makerDecimals"`
	TakerDecimals    uint8          `json:"takerDecimals"`
}

// IcebergRequest configures chunked disclosure. Amounts are in base units.
type IcebergRequest struct {
	OrderHash         common.Hash `json:"orderHash"`
	TotalMaking       string      `json:"totalMaking"`
	TotalTaking       string      `json:"totalTaking"`
	BaseChunkSize     string      `json:"baseChunkSize"`
	Strategy          string      `json:"strategy"` // FIXED, PERCENTAGE, TIME_BASED, ADAPTIVE
	MaxVisibleBps     uint64      `json:"maxVisibleBps"`
	RevealIntervalSec uint64      `json:"revealIntervalSec"`
	MakerDecimals     uint8       `json:"makerDecimals"`
	TakerDecimals     uint8       `json:"takerDecimals"`
}

// OCORequest links two orders. The id is derived from the legs, the signer and the
// envelope nonce. Both orders must hash to their leg and be made by the signer.
type OCORequest struct {
	PrimaryHash      common.Hash       `json:"primaryHash"`
	SecondaryHash    common.Hash       `json:"secondaryHash"`
	PrimaryOrder     *limitorder.Order `json:"primaryOrder"`
	SecondaryOrder   *limitorder.Order `json:"secondaryOrder"`
	Strategy         string            `json:"strategy"` // BRACKET, BREAKOUT, RANGE
	RestrictedKeeper common.Address    `json:"restrictedKeeper"`
	MaxGasPrice      string            `json:"maxGasPrice,omitempty"` // wei
	ExpiresAt        uint64            `json:"expiresAt"`
}

// RemoveRequest names the order hash or OCO id to remove.
type RemoveRequest struct {
	Hash common.Hash `json:"hash"`
}

// ==============================
// REST Response Types
// ==============================

type StopLossInfo struct {
	OrderHash        string `json:"orderHash"`
	Kind             string `json:"kind"` // stop_loss or take_profit
	Maker            string `json:"maker"`
	MakerOracle      string `json:"makerOracle"`
	TakerOracle      string `json:"takerOracle"`
	ThresholdPrice   string `json:"thresholdPrice"`
	CurrentPrice     string `json:"currentPrice,omitempty"`
	TwapPrice        string `json:"twapPrice,omitempty"`
	Triggered        bool   `json:"triggered"`
	PriceError       string `json:"priceError,omitempty"`
	MaxSlippageBps   uint64 `json:"maxSlippageBps"`
	MaxDeviationBps  uint64 `json:"maxDeviationBps"`
	RestrictedKeeper string `json:"restrictedKeeper,omitempty"`
	ConfiguredAt     uint64 `json:"configuredAt"`
}

type IcebergInfo struct {
	OrderHash      string `json:"orderHash"`
	Maker          string `json:"maker"`
	Strategy       string `json:"strategy"`
	TotalMaking    string `json:"totalMaking"`
	Filled         string `json:"filled"`
	Remaining      string `json:"remaining"`
	CurrentVisible string `json:"currentVisible"`
	ChunkMax       string `json:"chunkMax"`
	LastPrice      string `json:"lastPrice,omitempty"`
	Active         bool   `json:"active"`
	RevealDue      bool   `json:"revealDue"`
	NextRevealAt   uint64 `json:"nextRevealAt"`
	FastFills      uint64 `json:"fastFills"`
	SlowFills      uint64 `json:"slowFills"`
	AvgFillTimeSec uint64 `json:"avgFillTimeSec"`
}

type CancellationInfo struct {
	OrderHash   string `json:"orderHash"`
	RequestedAt uint64 `json:"requestedAt"`
	Processed   bool   `json:"processed"`
	ProcessedAt uint64 `json:"processedAt,omitempty"`
	Failure     string `json:"failure,omitempty"`
}

type OCOInfo struct {
	ID                string             `json:"id"`
	Maker             string             `json:"maker"`
	PrimaryHash       string             `json:"primaryHash"`
	SecondaryHash     string             `json:"secondaryHash"`
	Strategy          string             `json:"strategy"`
	Active            bool               `json:"active"`
	Expired           bool               `json:"expired"`
	PrimaryExecuted   bool               `json:"primaryExecuted"`
	SecondaryExecuted bool               `json:"secondaryExecuted"`
	ExpiresAt         uint64             `json:"expiresAt"`
	Cancellations     []CancellationInfo `json:"cancellations,omitempty"`
}

type KeeperCheck struct {
	Needed     bool     `json:"needed"`
	Kind       string   `json:"kind,omitempty"`
	Hashes     []string `json:"hashes,omitempty"`
	Descriptor string   `json:"descriptor,omitempty"` // 0x-prefixed ABI bytes
}

type KeeperItem struct {
	Hash   string `json:"hash"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type KeeperReport struct {
	RunID    string       `json:"runId"`
	Kind     string       `json:"kind"`
	Started  int64        `json:"started"`  // Unix milliseconds
	Finished int64        `json:"finished"` // Unix milliseconds
	Items    []KeeperItem `json:"items"`
}

// MutationResponse acknowledges a signed request.
type MutationResponse struct {
	Status string `json:"status"`
	Hash   string `json:"hash"`
	Maker  string `json:"maker"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest represents a WebSocket subscription request
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // "events" or "order:<hash>"
}

// WSEvent is an engine event pushed to subscribers.
type WSEvent struct {
	Type      string         `json:"type"`
	Key       string         `json:"key"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp uint64         `json:"timestamp"`
}
