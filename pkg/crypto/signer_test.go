package crypto

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	eth_crypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/condorder/pkg/util"
)

func TestFromPrivateKeyHex(t *testing.T) {
	signer1, err := GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	privHex := signer1.PrivateKeyHex()
	if len(privHex) != 64 {
		t.Errorf("private key hex length = %d, want 64", len(privHex))
	}

	for _, in := range []string{privHex, "0x" + privHex} {
		signer2, err := FromPrivateKeyHex(in)
		if err != nil {
			t.Fatalf("failed to load key %q: %v", in, err)
		}
		if signer2.Address() != signer1.Address() {
			t.Errorf("address = %s, want %s", signer2.Address().Hex(), signer1.Address().Hex())
		}
	}
}

func TestSignAndRecover(t *testing.T) {
	signer, _ := GenerateKey()
	hash := eth_crypto.Keccak256([]byte("configure stop-loss"))

	signature, err := signer.Sign(hash)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	if len(signature) != 65 {
		t.Errorf("signature length = %d, want 65", len(signature))
	}

	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		t.Fatalf("failed to recover address: %v", err)
	}
	if recovered != signer.Address() {
		t.Errorf("recovered address = %s, want %s", recovered.Hex(), signer.Address().Hex())
	}

	// wallets send V as 27/28
	signature[64] += 27
	if !VerifySignature(signer.Address(), hash, signature) {
		t.Error("signature with V+27 should verify")
	}

	wrongAddr := common.HexToAddress("0x0000000000000000000000000000000000000001")
	if VerifySignature(wrongAddr, hash, signature) {
		t.Error("signature should not verify with wrong address")
	}
}

func TestInvalidSignature(t *testing.T) {
	signer, _ := GenerateKey()
	hash := common.BytesToHash([]byte("test")).Bytes()

	if VerifySignature(signer.Address(), hash, []byte{1, 2, 3}) {
		t.Error("invalid signature should not verify")
	}
	if VerifySignature(signer.Address(), []byte("short"), make([]byte, 65)) {
		t.Error("invalid hash should not verify")
	}
}

func TestAuthenticateSignedRequest(t *testing.T) {
	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	auth := NewAuthenticator(clock)
	signer, _ := GenerateKey()

	req, err := signer.NewSignedRequest("oco.remove", map[string]string{"id": "0x01"}, 1, 1_700_000_060)
	if err != nil {
		t.Fatalf("failed to sign request: %v", err)
	}

	// survives a JSON round trip, as it would over HTTP
	raw, _ := json.Marshal(req)
	var decoded SignedRequest
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	who, err := auth.Authenticate(&decoded)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if who != signer.Address() {
		t.Errorf("signer = %s, want %s", who.Hex(), signer.Address().Hex())
	}

	if _, err := auth.Authenticate(&decoded); !errors.Is(err, ErrNonceUsed) {
		t.Errorf("replay err = %v, want ErrNonceUsed", err)
	}

	tampered := decoded
	tampered.Nonce = 2
	tampered.Action = "oco.configure"
	who, err = auth.Authenticate(&tampered)
	if err == nil && who == signer.Address() {
		t.Error("tampered request must not authenticate as the signer")
	}

	clock.Advance(2 * time.Minute)
	late, _ := signer.NewSignedRequest("oco.remove", nil, 3, 1_700_000_060)
	if _, err := auth.Authenticate(late); !errors.Is(err, ErrRequestExpired) {
		t.Errorf("late err = %v, want ErrRequestExpired", err)
	}
}
