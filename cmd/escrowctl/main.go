package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"

	"assetescrow/cmd/internal/passphrase"
	"assetescrow/config"
	"assetescrow/crypto"
	"assetescrow/gateway/middleware"
	"assetescrow/native/escrow"
)

const (
	defaultPassEnv  = "ESCROWCTL_PASSPHRASE"
	defaultChainID  = 1337
	defaultInstance = "0x000000000000000000000000000000000000e5c0"
)

var (
	ctlNow         = time.Now
	keystoreScrypt = crypto.StandardScrypt
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	var err error
	switch args[0] {
	case "keygen":
		err = runKeygen(args[1:], stdout, stderr)
	case "address":
		err = runAddress(args[1:], stdout, stderr)
	case "sign-intent":
		err = runSignIntent(args[1:], stdout, stderr)
	case "sign-outcome":
		err = runSignOutcome(args[1:], stdout, stderr)
	case "issue-token":
		err = runIssueToken(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func usage() string {
	return strings.Join([]string{
		"escrowctl <command> [flags]",
		"",
		"Commands:",
		"  keygen        Generate a key and write it to an encrypted keystore",
		"  address       Print the address held by a keystore",
		"  sign-intent   Sign a payment intent for submission by the counterparty",
		"  sign-outcome  Sign an operator transfer outcome",
		"  issue-token   Mint an HS256 bearer token for the escrowd API",
	}, "\n")
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func runKeygen(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("keygen", stderr)
	out := fs.String("out", "escrow.keystore", "Output path for the keystore")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable holding the passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*force {
		if _, err := os.Stat(*out); err == nil {
			return fmt.Errorf("keystore %s already exists (use --force to overwrite)", *out)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	pass, err := passphrase.NewSource(*passEnv, "keystore").WithConfirmation().Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(*out, key, pass, keystoreScrypt); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	fmt.Fprintf(stdout, "Wrote %s for %s\n", *out, key.Address().Hex())
	return nil
}

func runAddress(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("address", stderr)
	path := fs.String("keystore", "", "Keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable holding the passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := openKeystore(*path, *passEnv)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, key.Address().Hex())
	return nil
}

// domainFlags are shared by the signing commands. A config file, when given,
// supplies the chain id and instance unless the flags override them.
type domainFlags struct {
	configPath string
	chainID    uint64
	instance   string
}

func (d *domainFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&d.configPath, "config", "", "escrowd config to read ChainID and Instance from")
	fs.Uint64Var(&d.chainID, "chain-id", 0, "EIP-712 chain id (default 1337)")
	fs.StringVar(&d.instance, "instance", "", "Escrow instance address")
}

func (d *domainFlags) resolve() (*big.Int, common.Address, error) {
	chainID := uint64(defaultChainID)
	instance := defaultInstance
	if d.configPath != "" {
		cfg, err := loadExistingConfig(d.configPath)
		if err != nil {
			return nil, common.Address{}, err
		}
		chainID = cfg.ChainID
		instance = cfg.Instance
	}
	if d.chainID != 0 {
		chainID = d.chainID
	}
	if d.instance != "" {
		instance = d.instance
	}
	addr, err := crypto.ParseAddress(instance)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("instance: %w", err)
	}
	return new(big.Int).SetUint64(chainID), addr, nil
}

type signature struct {
	Signer    string `json:"signer"`
	Digest    string `json:"digest"`
	Signature string `json:"signature"`
}

func runSignIntent(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("sign-intent", stderr)
	var dom domainFlags
	dom.register(fs)
	path := fs.String("keystore", "", "Keystore of the signing party")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable holding the passphrase")
	paymentID := fs.String("payment-id", "", "32-byte payment id (hex)")
	amount := fs.String("amount", "", "Amount in base units")
	feeBps := fs.Uint64("fee-bps", 0, "Fee in basis points")
	universe := fs.String("universe", "0", "Universe id")
	deadline := fs.Int64("deadline", 0, "Unix deadline; defaults to one hour from now")
	buyer := fs.String("buyer", "", "Buyer address")
	seller := fs.String("seller", "", "Seller address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	intent, err := buildIntent(*paymentID, *amount, *feeBps, *universe, *deadline, *buyer, *seller)
	if err != nil {
		return err
	}
	chainID, instance, err := dom.resolve()
	if err != nil {
		return err
	}
	key, err := openKeystore(*path, *passEnv)
	if err != nil {
		return err
	}
	domain := escrow.NewDomain(chainID, instance)
	digest, err := escrow.PaymentIntentDigest(domain, intent)
	if err != nil {
		return err
	}
	sig, err := escrow.SignPaymentIntent(key, domain, intent)
	if err != nil {
		return err
	}
	return writeSignature(stdout, key.Address(), digest, sig)
}

func buildIntent(paymentID, amount string, feeBps uint64, universe string, deadline int64, buyer, seller string) (escrow.PaymentIntent, error) {
	id, err := parseHash(paymentID)
	if err != nil {
		return escrow.PaymentIntent{}, fmt.Errorf("payment-id: %w", err)
	}
	amt, ok := math.ParseBig256(strings.TrimSpace(amount))
	if !ok {
		return escrow.PaymentIntent{}, fmt.Errorf("amount: invalid integer %q", amount)
	}
	uni, ok := math.ParseBig256(strings.TrimSpace(universe))
	if !ok {
		return escrow.PaymentIntent{}, fmt.Errorf("universe: invalid integer %q", universe)
	}
	buyerAddr, err := crypto.ParseAddress(buyer)
	if err != nil {
		return escrow.PaymentIntent{}, fmt.Errorf("buyer: %w", err)
	}
	sellerAddr, err := crypto.ParseAddress(seller)
	if err != nil {
		return escrow.PaymentIntent{}, fmt.Errorf("seller: %w", err)
	}
	if deadline == 0 {
		deadline = ctlNow().Add(time.Hour).Unix()
	}
	return escrow.PaymentIntent{
		PaymentID:  id,
		Amount:     amt,
		FeeBps:     feeBps,
		UniverseID: uni,
		Deadline:   deadline,
		Buyer:      buyerAddr,
		Seller:     sellerAddr,
	}, nil
}

func runSignOutcome(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("sign-outcome", stderr)
	var dom domainFlags
	dom.register(fs)
	path := fs.String("keystore", "", "Operator keystore")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable holding the passphrase")
	paymentID := fs.String("payment-id", "", "32-byte payment id (hex)")
	success := fs.Bool("success", true, "Whether the asset transfer succeeded")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := parseHash(*paymentID)
	if err != nil {
		return fmt.Errorf("payment-id: %w", err)
	}
	chainID, instance, err := dom.resolve()
	if err != nil {
		return err
	}
	key, err := openKeystore(*path, *passEnv)
	if err != nil {
		return err
	}
	outcome := escrow.TransferOutcome{PaymentID: id, WasSuccessful: *success}
	domain := escrow.NewDomain(chainID, instance)
	digest, err := escrow.TransferOutcomeDigest(domain, outcome)
	if err != nil {
		return err
	}
	sig, err := escrow.SignTransferOutcome(key, domain, outcome)
	if err != nil {
		return err
	}
	return writeSignature(stdout, key.Address(), digest, sig)
}

func runIssueToken(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("issue-token", stderr)
	configPath := fs.String("config", "", "escrowd config to read the auth section from")
	secretEnv := fs.String("secret-env", config.SecretEnv, "Environment variable holding the HMAC secret")
	subject := fs.String("subject", "", "Caller address placed in the sub claim")
	issuer := fs.String("issuer", "", "iss claim")
	audience := fs.String("audience", "", "aud claim")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	addr, err := crypto.ParseAddress(*subject)
	if err != nil {
		return fmt.Errorf("subject: %w", err)
	}
	secret := strings.TrimSpace(os.Getenv(*secretEnv))
	iss, aud := *issuer, *audience
	if *configPath != "" {
		cfg, err := loadExistingConfig(*configPath)
		if err != nil {
			return err
		}
		if secret == "" {
			secret = cfg.Auth.HMACSecret
		}
		if iss == "" {
			iss = cfg.Auth.Issuer
		}
		if aud == "" {
			aud = cfg.Auth.Audience
		}
	}
	if secret == "" {
		return fmt.Errorf("no HMAC secret: set %s or pass --config", *secretEnv)
	}
	token, err := middleware.IssueToken(secret, addr, iss, aud, *ttl, ctlNow())
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}

func openKeystore(path, passEnv string) (*crypto.PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("--keystore is required")
	}
	pass, err := passphrase.NewSource(passEnv, "keystore").Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("open keystore %s: %w", path, err)
	}
	return key, nil
}

// loadExistingConfig refuses to create a config as a side effect.
func loadExistingConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return config.Load(path)
}

func parseHash(raw string) (common.Hash, error) {
	b, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("expected %d bytes, got %d", common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

func writeSignature(w io.Writer, signer common.Address, digest common.Hash, sig []byte) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(signature{
		Signer:    signer.Hex(),
		Digest:    digest.Hex(),
		Signature: hexutil.Encode(sig),
	})
}
