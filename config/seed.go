package config

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"assetescrow/crypto"
)

// Seed describes development fixtures applied once after bootstrap: directory
// overrides, pre-registered sellers and token allocations.
type Seed struct {
	Operators      []UniverseEntry `yaml:"operators"`
	FeesCollectors []UniverseEntry `yaml:"feesCollectors"`
	Sellers        []string        `yaml:"sellers"`
	Allocations    []Allocation    `yaml:"allocations"`
}

type UniverseEntry struct {
	Universe string `yaml:"universe"`
	Address  string `yaml:"address"`
}

// Allocation mints Amount to Account. When Approve is set the escrow instance
// is also granted an allowance for the same amount.
type Allocation struct {
	Account string `yaml:"account"`
	Amount  string `yaml:"amount"`
	Approve bool   `yaml:"approve"`
}

// ParsedEntry is a validated UniverseEntry.
type ParsedEntry struct {
	Universe *big.Int
	Address  common.Address
}

// ParsedAllocation is a validated Allocation.
type ParsedAllocation struct {
	Account common.Address
	Amount  *big.Int
	Approve bool
}

// LoadSeed reads the YAML seed file at path. An empty path yields an empty seed.
func LoadSeed(path string) (*Seed, error) {
	seed := &Seed{}
	if strings.TrimSpace(path) == "" {
		return seed, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(seed); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return seed, nil
}

func parseEntries(section string, entries []UniverseEntry) ([]ParsedEntry, error) {
	out := make([]ParsedEntry, 0, len(entries))
	for i, entry := range entries {
		universe, err := parseUintAmount(entry.Universe)
		if err != nil {
			return nil, fmt.Errorf("%s[%d].universe: %w", section, i, err)
		}
		addr, err := crypto.ParseAddress(entry.Address)
		if err != nil {
			return nil, fmt.Errorf("%s[%d].address: %w", section, i, err)
		}
		out = append(out, ParsedEntry{Universe: universe, Address: addr})
	}
	return out, nil
}

// OperatorEntries validates the operator overrides.
func (s *Seed) OperatorEntries() ([]ParsedEntry, error) {
	return parseEntries("operators", s.Operators)
}

// FeesCollectorEntries validates the fees collector overrides.
func (s *Seed) FeesCollectorEntries() ([]ParsedEntry, error) {
	return parseEntries("feesCollectors", s.FeesCollectors)
}

func (s *Seed) SellerAddresses() ([]common.Address, error) {
	out := make([]common.Address, 0, len(s.Sellers))
	for i, raw := range s.Sellers {
		addr, err := crypto.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("sellers[%d]: %w", i, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

func (s *Seed) ParsedAllocations() ([]ParsedAllocation, error) {
	out := make([]ParsedAllocation, 0, len(s.Allocations))
	for i, alloc := range s.Allocations {
		addr, err := crypto.ParseAddress(alloc.Account)
		if err != nil {
			return nil, fmt.Errorf("allocations[%d].account: %w", i, err)
		}
		amount, err := parseUintAmount(alloc.Amount)
		if err != nil {
			return nil, fmt.Errorf("allocations[%d].amount: %w", i, err)
		}
		out = append(out, ParsedAllocation{Account: addr, Amount: amount, Approve: alloc.Approve})
	}
	return out, nil
}

func parseUintAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("value required")
	}
	value, ok := new(big.Int).SetString(trimmed, 0)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("negative value %q", raw)
	}
	return value, nil
}
