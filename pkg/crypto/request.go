package crypto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/condorder/pkg/util"
)

var (
	ErrBadSignature   = errors.New("bad request signature")
	ErrRequestExpired = errors.New("request expired")
	ErrNonceUsed      = errors.New("request nonce already used")
)

// requestPrefix separates request digests from any other signed payload.
const requestPrefix = "\x19condorder request:\n"

// SignedRequest is the envelope makers send to mutate their configuration.
// Payload is action specific JSON; the signer is recovered, never trusted from the body.
type SignedRequest struct {
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Nonce     uint64          `json:"nonce"`
	Deadline  uint64          `json:"deadline"`
	Signature hexutil.Bytes   `json:"signature"`
}

// Digest is keccak256(prefix || action || 0x00 || payload || nonce || deadline).
func (r *SignedRequest) Digest() common.Hash {
	var tail [16]byte
	binary.BigEndian.PutUint64(tail[:8], r.Nonce)
	binary.BigEndian.PutUint64(tail[8:], r.Deadline)
	return crypto.Keccak256Hash(
		[]byte(requestPrefix),
		[]byte(r.Action),
		[]byte{0},
		r.Payload,
		tail[:],
	)
}

// SignRequest fills in the signature for r.
func (s *Signer) SignRequest(r *SignedRequest) error {
	d := r.Digest()
	sig, err := s.Sign(d[:])
	if err != nil {
		return err
	}
	r.Signature = sig
	return nil
}

// NewSignedRequest marshals payload and signs the envelope.
func (s *Signer) NewSignedRequest(action string, payload any, nonce, deadline uint64) (*SignedRequest, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	r := &SignedRequest{Action: action, Payload: body, Nonce: nonce, Deadline: deadline}
	if err := s.SignRequest(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Authenticator recovers request signers and rejects replays. Nonces are remembered
// per signer until the request's deadline passes.
type Authenticator struct {
	clock util.Clock

	mu   sync.Mutex
	seen map[common.Address]map[uint64]uint64
}

func NewAuthenticator(clock util.Clock) *Authenticator {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Authenticator{clock: clock, seen: make(map[common.Address]map[uint64]uint64)}
}

// Authenticate returns the signer of r, or an error if the signature is bad, the
// deadline has passed, or the nonce was already used by that signer.
func (a *Authenticator) Authenticate(r *SignedRequest) (common.Address, error) {
	now := util.Unix(a.clock)
	if r.Deadline != 0 && r.Deadline < now {
		return common.Address{}, fmt.Errorf("%w: deadline %d < now %d", ErrRequestExpired, r.Deadline, now)
	}
	d := r.Digest()
	signer, err := RecoverAddress(d[:], r.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	used := a.seen[signer]
	if used == nil {
		used = make(map[uint64]uint64)
		a.seen[signer] = used
	}
	for n, exp := range used {
		if exp != 0 && exp < now {
			delete(used, n)
		}
	}
	if _, ok := used[r.Nonce]; ok {
		return common.Address{}, fmt.Errorf("%w: %d", ErrNonceUsed, r.Nonce)
	}
	used[r.Nonce] = r.Deadline
	return signer, nil
}
