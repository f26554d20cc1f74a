package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"assetescrow/native/escrow"
)

var (
	paymentPrefix   = []byte("escrow/payment/")
	balancePrefix   = []byte("escrow/balance/")
	sellerPrefix    = []byte("escrow/seller/")
	directoryPrefix = []byte("escrow/directory/")
	paramsKey       = []byte("escrow/params")
)

func paymentKey(id common.Hash) []byte {
	return append(append([]byte(nil), paymentPrefix...), id.Bytes()...)
}

func escrowBalanceKey(addr common.Address) []byte {
	return append(append([]byte(nil), balancePrefix...), addr.Bytes()...)
}

func sellerKey(addr common.Address) []byte {
	return append(append([]byte(nil), sellerPrefix...), addr.Bytes()...)
}

func directoryKey(role escrow.Role, universe *big.Int) []byte {
	u := "0"
	if universe != nil {
		u = universe.String()
	}
	return []byte(fmt.Sprintf("%s%s/%s", directoryPrefix, role, u))
}

func directoryDefaultKey(role escrow.Role) []byte {
	return []byte(fmt.Sprintf("%s%s/default", directoryPrefix, role))
}

type storedPayment struct {
	ID             common.Hash
	State          uint8
	Buyer          common.Address
	Seller         common.Address
	Operator       common.Address
	FeesCollector  common.Address
	UniverseID     *big.Int
	ExpirationTime uint64
	FeeBps         uint64
	Amount         *big.Int
}

type storedParams struct {
	Owner                common.Address
	PaymentWindow        uint64
	RegistrationRequired bool
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// PaymentPut persists the payment record.
func (m *Manager) PaymentPut(p *escrow.Payment) error {
	if p == nil {
		return fmt.Errorf("escrow: nil payment")
	}
	if p.ExpirationTime < 0 {
		return fmt.Errorf("escrow: negative expiration time %d", p.ExpirationTime)
	}
	return m.KVPut(paymentKey(p.ID), &storedPayment{
		ID:             p.ID,
		State:          uint8(p.State),
		Buyer:          p.Buyer,
		Seller:         p.Seller,
		Operator:       p.Operator,
		FeesCollector:  p.FeesCollector,
		UniverseID:     nonNil(p.UniverseID),
		ExpirationTime: uint64(p.ExpirationTime),
		FeeBps:         p.FeeBps,
		Amount:         nonNil(p.Amount),
	})
}

// PaymentGet loads the payment record for id.
func (m *Manager) PaymentGet(id common.Hash) (*escrow.Payment, bool, error) {
	var stored storedPayment
	ok, err := m.KVGet(paymentKey(id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return &escrow.Payment{
		ID:             stored.ID,
		State:          escrow.PaymentState(stored.State),
		Buyer:          stored.Buyer,
		Seller:         stored.Seller,
		Operator:       stored.Operator,
		FeesCollector:  stored.FeesCollector,
		UniverseID:     nonNil(stored.UniverseID),
		ExpirationTime: int64(stored.ExpirationTime),
		FeeBps:         stored.FeeBps,
		Amount:         nonNil(stored.Amount),
	}, true, nil
}

// BalanceGet returns the custodial balance of addr, zero when never credited.
func (m *Manager) BalanceGet(addr common.Address) (*big.Int, error) {
	balance := new(big.Int)
	if _, err := m.KVGet(escrowBalanceKey(addr), balance); err != nil {
		return nil, err
	}
	return balance, nil
}

// BalancePut stores the custodial balance of addr. Entries are kept at zero
// rather than deleted.
func (m *Manager) BalancePut(addr common.Address, amount *big.Int) error {
	amt := nonNil(amount)
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative balance for %s", addr.Hex())
	}
	return m.KVPut(escrowBalanceKey(addr), amt)
}

// SellerRegistered reports whether addr registered as a seller.
func (m *Manager) SellerRegistered(addr common.Address) (bool, error) {
	var registered bool
	ok, err := m.KVGet(sellerKey(addr), &registered)
	if err != nil {
		return false, err
	}
	return ok && registered, nil
}

// SellerPut flags addr as a registered seller.
func (m *Manager) SellerPut(addr common.Address) error {
	return m.KVPut(sellerKey(addr), true)
}

// DirectoryGet returns the per-universe override for role.
func (m *Manager) DirectoryGet(role escrow.Role, universe *big.Int) (common.Address, bool, error) {
	var addr common.Address
	ok, err := m.KVGet(directoryKey(role, universe), &addr)
	if err != nil || !ok {
		return common.Address{}, false, err
	}
	return addr, true, nil
}

// DirectoryPut sets the per-universe override for role.
func (m *Manager) DirectoryPut(role escrow.Role, universe *big.Int, addr common.Address) error {
	if !role.Valid() {
		return fmt.Errorf("escrow: unknown directory role %d", role)
	}
	return m.KVPut(directoryKey(role, universe), addr)
}

// DirectoryDelete removes the per-universe override for role.
func (m *Manager) DirectoryDelete(role escrow.Role, universe *big.Int) error {
	return m.KVDelete(directoryKey(role, universe))
}

// DirectoryDefault returns the fallback address for role, zero when unset.
func (m *Manager) DirectoryDefault(role escrow.Role) (common.Address, error) {
	var addr common.Address
	if _, err := m.KVGet(directoryDefaultKey(role), &addr); err != nil {
		return common.Address{}, err
	}
	return addr, nil
}

// DirectorySetDefault sets the fallback address for role.
func (m *Manager) DirectorySetDefault(role escrow.Role, addr common.Address) error {
	if !role.Valid() {
		return fmt.Errorf("escrow: unknown directory role %d", role)
	}
	return m.KVPut(directoryDefaultKey(role), addr)
}

// ParamsGet loads the process-wide escrow parameters.
func (m *Manager) ParamsGet() (*escrow.Params, bool, error) {
	var stored storedParams
	ok, err := m.KVGet(paramsKey, &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return &escrow.Params{
		Owner:                stored.Owner,
		PaymentWindow:        int64(stored.PaymentWindow),
		RegistrationRequired: stored.RegistrationRequired,
	}, true, nil
}

// ParamsPut stores the process-wide escrow parameters.
func (m *Manager) ParamsPut(p *escrow.Params) error {
	if p == nil {
		return fmt.Errorf("escrow: nil params")
	}
	if p.PaymentWindow < 0 {
		return fmt.Errorf("escrow: negative payment window")
	}
	return m.KVPut(paramsKey, &storedParams{
		Owner:                p.Owner,
		PaymentWindow:        uint64(p.PaymentWindow),
		RegistrationRequired: p.RegistrationRequired,
	})
}
