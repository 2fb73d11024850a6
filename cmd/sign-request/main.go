package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/condorder/pkg/api"
	"github.com/uhyunpark/condorder/pkg/crypto"
	"github.com/uhyunpark/condorder/pkg/fixed"
	"github.com/uhyunpark/condorder/pkg/limitorder"
	"github.com/uhyunpark/condorder/pkg/util"
)

func main() {
	kind := flag.String("kind", "stoploss", "request to sign: stoploss, iceberg or oco")
	keyHex := flag.String("key", os.Getenv("MAKER_KEY"), "maker private key (hex); generated when empty")
	nonce := flag.Uint64("nonce", uint64(time.Now().UnixNano()), "request nonce")
	ttl := flag.Duration("ttl", 10*time.Minute, "request validity")
	apiURL := flag.String("api", "http://localhost:8080", "keeperd API base URL")
	flag.Parse()

	// Step 1: Generate or load key
	signer, err := loadSigner(*keyHex)
	if err != nil {
		fail("key", err)
	}
	fmt.Printf("Maker: %s\n", signer.Address().Hex())
	if *keyHex == "" {
		fmt.Printf("Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
	}
	fmt.Println()

	// Step 2: Hash the orders the extension attaches to
	hasher := limitorder.NewHasher(limitorder.DefaultDomain())
	primary := sampleOrder(signer.Address(), 1)
	primaryHash, err := hasher.HashOrder(primary)
	if err != nil {
		fail("hash order", err)
	}
	fmt.Printf("Order hash: %s\n\n", primaryHash.Hex())

	// Step 3: Build the payload
	var (
		action  string
		path    string
		payload any
	)
	deadline := uint64(time.Now().Add(*ttl).Unix())
	switch *kind {
	case "stoploss":
		action, path = api.ActionStopLossConfigure, "/api/v1/stoploss"
		payload = api.StopLossRequest{
			OrderHash:       primaryHash,
			MakerOracle:     common.HexToAddress("0x00000000000000000000000000000000000000F1"),
			TakerOracle:     common.HexToAddress("0x00000000000000000000000000000000000000F2"),
			ThresholdPrice:  "3800",
			MaxSlippageBps:  100,
			MaxDeviationBps: 1000,
			IsStopLoss:      true,
			MakerDecimals:   18,
			TakerDecimals:   6,
		}
	case "iceberg":
		action, path = api.ActionIcebergConfigure, "/api/v1/iceberg"
		payload = api.IcebergRequest{
			OrderHash:         primaryHash,
			TotalMaking:       primary.MakingAmount.Dec(),
			TotalTaking:       primary.TakingAmount.Dec(),
			BaseChunkSize:     fixed.Units(1).Dec(),
			Strategy:          "ADAPTIVE",
			MaxVisibleBps:     1000,
			RevealIntervalSec: 60,
			MakerDecimals:     18,
			TakerDecimals:     6,
		}
	case "oco":
		secondary := sampleOrder(signer.Address(), 2)
		secondaryHash, err := hasher.HashOrder(secondary)
		if err != nil {
			fail("hash order", err)
		}
		action, path = api.ActionOCOConfigure, "/api/v1/oco"
		payload = api.OCORequest{
			PrimaryHash:    primaryHash,
			SecondaryHash:  secondaryHash,
			PrimaryOrder:   primary,
			SecondaryOrder: secondary,
			Strategy:       "BRACKET",
			ExpiresAt:      uint64(time.Now().Add(24 * time.Hour).Unix()),
		}
	default:
		fail("kind", fmt.Errorf("unknown kind %q", *kind))
	}

	// Step 4: Sign the envelope
	req, err := signer.NewSignedRequest(action, payload, *nonce, deadline)
	if err != nil {
		fail("sign", err)
	}
	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		fail("marshal", err)
	}

	// Step 5: Verify the signature the way the API will
	recovered, err := crypto.NewAuthenticator(util.RealClock{}).Authenticate(req)
	if err != nil {
		fail("verify", err)
	}
	fmt.Printf("Signature valid, signer %s (matches maker: %v)\n\n", recovered.Hex(), recovered == signer.Address())

	// Step 6: Show how to submit
	fmt.Printf("POST %s%s\n", *apiURL, path)
	fmt.Println("Content-Type: application/json")
	fmt.Println(string(body))
}

func loadSigner(keyHex string) (*crypto.Signer, error) {
	if keyHex == "" {
		return crypto.GenerateKey()
	}
	return crypto.FromPrivateKeyHex(keyHex)
}

// sampleOrder sells 10 WETH for 38,000 USDC.
func sampleOrder(maker common.Address, salt uint64) *limitorder.Order {
	return &limitorder.Order{
		Salt:         uint256.NewInt(salt),
		Maker:        maker,
		MakerAsset:   common.HexToAddress("0x00000000000000000000000000000000000000E1"),
		TakerAsset:   common.HexToAddress("0x00000000000000000000000000000000000000E2"),
		MakingAmount: fixed.Units(10),
		TakingAmount: uint256.NewInt(38_000_000_000),
		MakerTraits:  new(uint256.Int),
	}
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "Error (%s): %v\n", step, err)
	os.Exit(1)
}
