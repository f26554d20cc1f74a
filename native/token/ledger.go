package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"assetescrow/storage"
)

var (
	ErrInsufficientBalance   = errors.New("token: transfer amount exceeds balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrInvalidAmount         = errors.New("token: amount must be a non-negative 256-bit integer")
	ErrZeroAddress           = errors.New("token: zero address")
	ErrOverflow              = errors.New("token: arithmetic overflow")
)

var (
	balancePrefix   = []byte("token/balance/")
	allowancePrefix = []byte("token/allowance/")
	supplyKey       = []byte("token/supply")
)

// Metadata describes the token.
type Metadata struct {
	Name     string
	Symbol   string
	Decimals uint8
}

// Descriptor renders the metadata for display, e.g. "Test Dollar (TUSD, 6 decimals)".
func (m Metadata) Descriptor() string {
	return fmt.Sprintf("%s (%s, %d decimals)", m.Name, m.Symbol, m.Decimals)
}

// Ledger is an ERC20-style fungible token persisted in a key-value database.
// Every mutating call is applied as a single batch.
type Ledger struct {
	mu   sync.Mutex
	db   storage.Database
	meta Metadata
}

// NewLedger returns a ledger storing balances in db.
func NewLedger(db storage.Database, meta Metadata) *Ledger {
	return &Ledger{db: db, meta: meta}
}

// Metadata returns the token metadata.
func (l *Ledger) Metadata() Metadata { return l.meta }

func balanceKey(addr common.Address) []byte {
	return append(append([]byte(nil), balancePrefix...), addr.Bytes()...)
}

func allowanceKey(owner, spender common.Address) []byte {
	key := append(append([]byte(nil), allowancePrefix...), owner.Bytes()...)
	return append(key, spender.Bytes()...)
}

func toUint256(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrInvalidAmount
	}
	return out, nil
}

func (l *Ledger) load(key []byte) (*uint256.Int, error) {
	raw, err := l.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes(raw), nil
}

func encode(v *uint256.Int) []byte {
	buf := v.Bytes32()
	return buf[:]
}

// BalanceOf returns the balance of account.
func (l *Ledger) BalanceOf(_ context.Context, account common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, err := l.load(balanceKey(account))
	if err != nil {
		return nil, err
	}
	return v.ToBig(), nil
}

// Allowance returns how much spender may move out of owner's balance.
func (l *Ledger) Allowance(_ context.Context, owner, spender common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, err := l.load(allowanceKey(owner, spender))
	if err != nil {
		return nil, err
	}
	return v.ToBig(), nil
}

// TotalSupply returns the amount minted so far.
func (l *Ledger) TotalSupply(context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, err := l.load(supplyKey)
	if err != nil {
		return nil, err
	}
	return v.ToBig(), nil
}

// Mint creates amount new units owned by to.
func (l *Ledger) Mint(_ context.Context, to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	supply, err := l.load(supplyKey)
	if err != nil {
		return err
	}
	balance, err := l.load(balanceKey(to))
	if err != nil {
		return err
	}
	if _, overflow := supply.AddOverflow(supply, amt); overflow {
		return ErrOverflow
	}
	balance.Add(balance, amt)
	batch := l.db.NewBatch()
	batch.Put(supplyKey, encode(supply))
	batch.Put(balanceKey(to), encode(balance))
	return batch.Write()
}

// Approve sets the allowance of spender over owner's balance to amount.
func (l *Ledger) Approve(_ context.Context, owner, spender common.Address, amount *big.Int) error {
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return ErrZeroAddress
	}
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Put(allowanceKey(owner, spender), encode(amt))
}

// Transfer moves amount from from to to.
func (l *Ledger) Transfer(_ context.Context, from, to common.Address, amount *big.Int) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.db.NewBatch()
	if err := l.move(batch, from, to, amt); err != nil {
		return err
	}
	return batch.Write()
}

// TransferFrom moves amount from owner to to, consuming spender's allowance.
func (l *Ledger) TransferFrom(_ context.Context, spender, owner, to common.Address, amount *big.Int) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	allowance, err := l.load(allowanceKey(owner, spender))
	if err != nil {
		return err
	}
	if allowance.Lt(amt) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientAllowance, allowance.Dec(), amt.Dec())
	}
	batch := l.db.NewBatch()
	if err := l.move(batch, owner, to, amt); err != nil {
		return err
	}
	batch.Put(allowanceKey(owner, spender), encode(allowance.Sub(allowance, amt)))
	return batch.Write()
}

func (l *Ledger) move(batch storage.Batch, from, to common.Address, amt *uint256.Int) error {
	if from == (common.Address{}) || to == (common.Address{}) {
		return ErrZeroAddress
	}
	fromBal, err := l.load(balanceKey(from))
	if err != nil {
		return err
	}
	if fromBal.Lt(amt) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, fromBal.Dec(), amt.Dec())
	}
	if from == to {
		return nil
	}
	toBal, err := l.load(balanceKey(to))
	if err != nil {
		return err
	}
	if _, overflow := toBal.AddOverflow(toBal, amt); overflow {
		return ErrOverflow
	}
	batch.Put(balanceKey(from), encode(fromBal.Sub(fromBal, amt)))
	batch.Put(balanceKey(to), encode(toBal))
	return nil
}
