package escrow

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"assetescrow/core/events"
	"assetescrow/crypto"
	"assetescrow/native/token"
	"assetescrow/storage"
)

type mockSnapshot struct {
	payments map[common.Hash]*Payment
	balances map[common.Address]*big.Int
	sellers  map[common.Address]bool
	dir      map[Role]map[string]common.Address
	defaults map[Role]common.Address
	params   *Params
}

type mockState struct {
	mockSnapshot
	snaps   []mockSnapshot
	commits int
}

func newMockState() *mockState {
	return &mockState{mockSnapshot: mockSnapshot{
		payments: make(map[common.Hash]*Payment),
		balances: make(map[common.Address]*big.Int),
		sellers:  make(map[common.Address]bool),
		dir:      map[Role]map[string]common.Address{RoleOperator: {}, RoleFeesCollector: {}},
		defaults: make(map[Role]common.Address),
	}}
}

func (s mockSnapshot) copy() mockSnapshot {
	out := mockSnapshot{
		payments: make(map[common.Hash]*Payment, len(s.payments)),
		balances: make(map[common.Address]*big.Int, len(s.balances)),
		sellers:  make(map[common.Address]bool, len(s.sellers)),
		dir:      make(map[Role]map[string]common.Address, len(s.dir)),
		defaults: make(map[Role]common.Address, len(s.defaults)),
	}
	for k, v := range s.payments {
		out.payments[k] = v.Clone()
	}
	for k, v := range s.balances {
		out.balances[k] = new(big.Int).Set(v)
	}
	for k, v := range s.sellers {
		out.sellers[k] = v
	}
	for role, entries := range s.dir {
		inner := make(map[string]common.Address, len(entries))
		for k, v := range entries {
			inner[k] = v
		}
		out.dir[role] = inner
	}
	for k, v := range s.defaults {
		out.defaults[k] = v
	}
	if s.params != nil {
		p := *s.params
		out.params = &p
	}
	return out
}

func (m *mockState) PaymentGet(id common.Hash) (*Payment, bool, error) {
	p, ok := m.payments[id]
	if !ok {
		return nil, false, nil
	}
	return p.Clone(), true, nil
}

func (m *mockState) PaymentPut(p *Payment) error {
	m.payments[p.ID] = p.Clone()
	return nil
}

func (m *mockState) BalanceGet(addr common.Address) (*big.Int, error) {
	if v, ok := m.balances[addr]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (m *mockState) BalancePut(addr common.Address, amount *big.Int) error {
	m.balances[addr] = new(big.Int).Set(amount)
	return nil
}

func (m *mockState) SellerRegistered(addr common.Address) (bool, error) {
	return m.sellers[addr], nil
}

func (m *mockState) SellerPut(addr common.Address) error {
	m.sellers[addr] = true
	return nil
}

func (m *mockState) DirectoryGet(role Role, universe *big.Int) (common.Address, bool, error) {
	addr, ok := m.dir[role][universe.String()]
	return addr, ok, nil
}

func (m *mockState) DirectoryPut(role Role, universe *big.Int, addr common.Address) error {
	m.dir[role][universe.String()] = addr
	return nil
}

func (m *mockState) DirectoryDelete(role Role, universe *big.Int) error {
	delete(m.dir[role], universe.String())
	return nil
}

func (m *mockState) DirectoryDefault(role Role) (common.Address, error) {
	return m.defaults[role], nil
}

func (m *mockState) DirectorySetDefault(role Role, addr common.Address) error {
	m.defaults[role] = addr
	return nil
}

func (m *mockState) ParamsGet() (*Params, bool, error) {
	if m.params == nil {
		return nil, false, nil
	}
	p := *m.params
	return &p, true, nil
}

func (m *mockState) ParamsPut(p *Params) error {
	clone := *p
	m.params = &clone
	return nil
}

func (m *mockState) Snapshot() int {
	m.snaps = append(m.snaps, m.mockSnapshot.copy())
	return len(m.snaps) - 1
}

func (m *mockState) RevertToSnapshot(id int) {
	m.mockSnapshot = m.snaps[id]
	m.snaps = m.snaps[:id]
}

func (m *mockState) Commit() error {
	m.snaps = nil
	m.commits++
	return nil
}

// hookLedger wraps the real token ledger so tests can fail or re-enter from
// inside a transfer.
type hookLedger struct {
	*token.Ledger
	beforeTransferFrom func(ctx context.Context) error
	beforeTransfer     func(ctx context.Context, to common.Address, amount *big.Int) error
	afterTransfer      func(ctx context.Context, to common.Address, amount *big.Int) error
}

func (h *hookLedger) TransferFrom(ctx context.Context, spender, owner, to common.Address, amount *big.Int) error {
	if h.beforeTransferFrom != nil {
		if err := h.beforeTransferFrom(ctx); err != nil {
			return err
		}
	}
	return h.Ledger.TransferFrom(ctx, spender, owner, to, amount)
}

func (h *hookLedger) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if h.beforeTransfer != nil {
		if err := h.beforeTransfer(ctx, to, amount); err != nil {
			return err
		}
	}
	if err := h.Ledger.Transfer(ctx, from, to, amount); err != nil {
		return err
	}
	if h.afterTransfer != nil {
		return h.afterTransfer(ctx, to, amount)
	}
	return nil
}

const (
	testUniverse = 37
	testNow      = int64(1_700_000_000)
)

var (
	testInstance = common.HexToAddress("0x000000000000000000000000000000000000e5c0")
	testChainID  = big.NewInt(1337)
)

type harness struct {
	t        *testing.T
	ctx      context.Context
	engine   *Engine
	state    *mockState
	ledger   *hookLedger
	oracle   *TypedDataOracle
	recorder *events.Recorder
	now      int64

	owner, seller, collector common.Address
	buyerKey, operatorKey    *crypto.PrivateKey
	buyer, operator          common.Address
}

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:           t,
		ctx:         context.Background(),
		state:       newMockState(),
		recorder:    &events.Recorder{},
		now:         testNow,
		owner:       common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		seller:      common.HexToAddress("0x00000000000000000000000000000000000000b2"),
		collector:   common.HexToAddress("0x00000000000000000000000000000000000000c3"),
		buyerKey:    mustKey(t),
		operatorKey: mustKey(t),
	}
	h.buyer = h.buyerKey.Address()
	h.operator = h.operatorKey.Address()
	h.ledger = &hookLedger{Ledger: token.NewLedger(storage.NewMemDB(), token.Metadata{Name: "Test Dollar", Symbol: "TUSD", Decimals: 6})}
	h.oracle = NewTypedDataOracle(testChainID, testInstance)

	h.engine = NewEngine(testInstance)
	h.engine.SetState(h.state)
	h.engine.SetTokenLedger(h.ledger)
	h.engine.SetSignatureOracle(h.oracle)
	h.engine.SetEmitter(h.recorder)
	h.engine.SetNowFunc(func() int64 { return h.now })

	written, err := h.engine.Bootstrap(h.ctx, Genesis{
		Owner:                h.owner,
		DefaultOperator:      h.operator,
		DefaultFeesCollector: h.collector,
	})
	require.NoError(t, err)
	require.True(t, written)

	require.NoError(t, h.ledger.Mint(h.ctx, h.buyer, big.NewInt(30000)))
	h.recorder.Reset()
	return h
}

func (h *harness) approve(amount int64) {
	h.t.Helper()
	require.NoError(h.t, h.ledger.Approve(h.ctx, h.buyer, testInstance, big.NewInt(amount)))
}

func (h *harness) intent(id byte, amount int64, feeBps uint64) PaymentIntent {
	return PaymentIntent{
		PaymentID:  common.BytesToHash([]byte{0xfa, id}),
		Amount:     big.NewInt(amount),
		FeeBps:     feeBps,
		UniverseID: big.NewInt(testUniverse),
		Deadline:   h.now + 3600,
		Buyer:      h.buyer,
		Seller:     h.seller,
	}
}

func (h *harness) signIntent(key *crypto.PrivateKey, in PaymentIntent) []byte {
	h.t.Helper()
	sig, err := SignPaymentIntent(key, h.oracle.Domain(), in)
	require.NoError(h.t, err)
	return sig
}

func (h *harness) signOutcome(key *crypto.PrivateKey, id common.Hash, ok bool) []byte {
	h.t.Helper()
	sig, err := SignTransferOutcome(key, h.oracle.Domain(), TransferOutcome{PaymentID: id, WasSuccessful: ok})
	require.NoError(h.t, err)
	return sig
}

func (h *harness) pay(in PaymentIntent) *Payment {
	h.t.Helper()
	p, err := h.engine.Pay(h.ctx, h.buyer, in, h.signIntent(h.operatorKey, in))
	require.NoError(h.t, err)
	return p
}

func (h *harness) localBalance(addr common.Address) int64 {
	h.t.Helper()
	v, err := h.engine.LocalBalance(h.ctx, addr)
	require.NoError(h.t, err)
	return v.Int64()
}

func (h *harness) externalBalance(addr common.Address) int64 {
	h.t.Helper()
	v, err := h.ledger.BalanceOf(h.ctx, addr)
	require.NoError(h.t, err)
	return v.Int64()
}

func (h *harness) stateOf(id common.Hash) PaymentState {
	h.t.Helper()
	st, err := h.engine.PaymentState(h.ctx, id)
	require.NoError(h.t, err)
	return st
}

func TestUnknownPaymentReadsNotStarted(t *testing.T) {
	h := newHarness(t)
	id := common.HexToHash("0xdead")

	require.Equal(t, PaymentNotStarted, h.stateOf(id))
	_, found, err := h.engine.Payment(h.ctx, id)
	require.NoError(t, err)
	require.False(t, found)

	_, err = h.engine.Finalize(h.ctx, TransferOutcome{PaymentID: id, WasSuccessful: true}, h.signOutcome(h.operatorKey, id, true))
	require.ErrorIs(t, err, ErrPaymentNotInProgress)
	require.ErrorIs(t, err, ErrValidation)

	_, err = h.engine.Refund(h.ctx, id)
	require.ErrorIs(t, err, ErrRefundNotAccepted)
	require.ErrorIs(t, err, ErrValidation)

	accepts, err := h.engine.AcceptsRefunds(h.ctx, id)
	require.NoError(t, err)
	require.False(t, accepts)
}

func TestRelayedPayFinalizeAndWithdraw(t *testing.T) {
	h := newHarness(t)
	h.approve(300)
	in := h.intent(1, 300, 500)

	p, err := h.engine.RelayedPay(h.ctx, h.operator, in, h.signIntent(h.buyerKey, in))
	require.NoError(t, err)
	require.Equal(t, PaymentAssetTransferring, p.State)
	require.Equal(t, h.operator, p.Operator)
	require.Equal(t, h.collector, p.FeesCollector)
	require.Equal(t, testNow+DefaultPaymentWindow, p.ExpirationTime)
	require.Equal(t, int64(300), h.externalBalance(testInstance))
	require.Equal(t, int64(29700), h.externalBalance(h.buyer))

	_, err = h.engine.Finalize(h.ctx, TransferOutcome{PaymentID: in.PaymentID, WasSuccessful: true}, h.signOutcome(h.operatorKey, in.PaymentID, true))
	require.NoError(t, err)
	require.Equal(t, PaymentPaid, h.stateOf(in.PaymentID))
	require.Equal(t, int64(285), h.localBalance(h.seller))
	require.Equal(t, int64(15), h.localBalance(h.collector))

	withdrawn, err := h.engine.Withdraw(h.ctx, h.seller)
	require.NoError(t, err)
	require.Equal(t, int64(285), withdrawn.Int64())
	require.Equal(t, int64(285), h.externalBalance(h.seller))
	require.Equal(t, int64(0), h.localBalance(h.seller))

	_, err = h.engine.Withdraw(h.ctx, h.seller)
	require.ErrorIs(t, err, ErrNothingToWithdraw)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	require.Equal(t, []string{EventTypeFundsReceived, EventTypePaymentSettled, EventTypeFundsWithdrawn}, h.recorder.Types())
}

func TestPayRequiresBuyerCallerAndOperatorSignature(t *testing.T) {
	h := newHarness(t)
	h.approve(1000)
	in := h.intent(2, 100, 0)

	_, err := h.engine.Pay(h.ctx, h.seller, in, h.signIntent(h.operatorKey, in))
	require.ErrorIs(t, err, ErrCallerNotBuyer)
	require.ErrorIs(t, err, ErrAuthorization)

	_, err = h.engine.Pay(h.ctx, h.buyer, in, h.signIntent(h.buyerKey, in))
	require.ErrorIs(t, err, ErrInvalidSignature)

	tampered := in.Clone()
	tampered.Amount = big.NewInt(99)
	_, err = h.engine.Pay(h.ctx, h.buyer, tampered, h.signIntent(h.operatorKey, in))
	require.ErrorIs(t, err, ErrInvalidSignature)
	require.Equal(t, PaymentNotStarted, h.stateOf(in.PaymentID))

	h.pay(in)
	require.Equal(t, PaymentAssetTransferring, h.stateOf(in.PaymentID))
}

func TestRelayedPayRequiresResolvedOperator(t *testing.T) {
	h := newHarness(t)
	h.approve(1000)
	in := h.intent(3, 100, 0)

	_, err := h.engine.RelayedPay(h.ctx, h.buyer, in, h.signIntent(h.buyerKey, in))
	require.ErrorIs(t, err, ErrOperatorNotAuthorized)

	_, err = h.engine.RelayedPay(h.ctx, h.operator, in, h.signIntent(h.operatorKey, in))
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestSecondInitiationFails(t *testing.T) {
	h := newHarness(t)
	h.approve(1000)
	in := h.intent(4, 100, 0)
	h.pay(in)

	_, err := h.engine.Pay(h.ctx, h.buyer, in, h.signIntent(h.operatorKey, in))
	require.ErrorIs(t, err, ErrPaymentAlreadyStarted)
	_, err = h.engine.RelayedPay(h.ctx, h.operator, in, h.signIntent(h.buyerKey, in))
	require.ErrorIs(t, err, ErrPaymentAlreadyStarted)
	require.Equal(t, int64(100), h.externalBalance(testInstance))
}

func TestInitiationPreconditionOrder(t *testing.T) {
	h := newHarness(t)
	h.approve(1000)

	in := h.intent(5, 100, 10_001)
	in.Deadline = h.now - 1
	_, err := h.engine.Pay(h.ctx, h.buyer, in, nil)
	require.ErrorIs(t, err, ErrFeeOutOfRange)

	in.FeeBps = 10_000
	_, err = h.engine.Pay(h.ctx, h.buyer, in, nil)
	require.ErrorIs(t, err, ErrDeadlineExpired)

	in.Deadline = h.now
	require.NoError(t, h.engine.SetRegistrationRequired(h.ctx, h.owner, true))
	_, err = h.engine.Pay(h.ctx, h.buyer, in, h.signIntent(h.operatorKey, in))
	require.ErrorIs(t, err, ErrSellerNotRegistered)

	require.NoError(t, h.engine.RegisterSeller(h.ctx, h.seller))
	large := h.intent(6, 30001, 0)
	_, err = h.engine.Pay(h.ctx, h.buyer, large, h.signIntent(h.operatorKey, large))
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.ErrorIs(t, err, ErrValidation)
	_, err = h.engine.Pay(h.ctx, h.seller, large, nil)
	require.ErrorIs(t, err, ErrInsufficientFunds, "funds are checked before caller and signature")

	_, err = h.engine.Pay(h.ctx, h.buyer, in, h.signIntent(h.operatorKey, in))
	require.NoError(t, err, "deadline equal to now is still valid")
}

func TestInsufficientAllowanceLimitsAvailableFunds(t *testing.T) {
	h := newHarness(t)
	h.approve(50)

	available, err := h.engine.MaxFundsAvailable(h.ctx, h.buyer)
	require.NoError(t, err)
	require.Equal(t, int64(50), available.Int64())
	enough, err := h.engine.EnoughFundsAvailable(h.ctx, h.buyer, big.NewInt(51))
	require.NoError(t, err)
	require.False(t, enough)

	in := h.intent(7, 51, 0)
	_, err = h.engine.Pay(h.ctx, h.buyer, in, h.signIntent(h.operatorKey, in))
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestOperatorMustBeDisinterested(t *testing.T) {
	h := newHarness(t)
	h.approve(1000)
	require.NoError(t, h.engine.SetUniverseOperator(h.ctx, h.owner, big.NewInt(testUniverse), h.seller))

	in := h.intent(8, 100, 0)
	_, err := h.engine.Pay(h.ctx, h.buyer, in, nil)
	require.ErrorIs(t, err, ErrOperatorNotDisinterested)
	require.ErrorIs(t, err, ErrAuthorization)
}

func TestNegativeOutcomeRefundsBuyerAndFundsNextPayment(t *testing.T) {
	h := newHarness(t)
	h.approve(300)
	in := h.intent(9, 300, 250)
	h.pay(in)

	_, err := h.engine.Finalize(h.ctx, TransferOutcome{PaymentID: in.PaymentID}, h.signOutcome(h.operatorKey, in.PaymentID, false))
	require.NoError(t, err)
	require.Equal(t, PaymentRefunded, h.stateOf(in.PaymentID))
	require.Equal(t, int64(300), h.localBalance(h.buyer))
	require.Zero(t, h.localBalance(h.seller))

	next := h.intent(10, 200, 0)
	external, local, err := h.engine.SplitFundingSources(h.ctx, h.buyer, next.Amount)
	require.NoError(t, err)
	require.Equal(t, int64(0), external.Int64())
	require.Equal(t, int64(200), local.Int64())

	h.pay(next)
	require.Equal(t, int64(100), h.localBalance(h.buyer))
	require.Equal(t, int64(300), h.externalBalance(testInstance), "no new external pull")

	external, local, err = h.engine.SplitFundingSources(h.ctx, h.buyer, big.NewInt(250))
	require.NoError(t, err)
	require.Equal(t, int64(150), external.Int64())
	require.Equal(t, int64(100), local.Int64())
}

func TestRefundAfterPaymentWindow(t *testing.T) {
	h := newHarness(t)
	h.approve(300)
	in := h.intent(11, 300, 500)
	p := h.pay(in)

	h.now = p.ExpirationTime
	accepts, err := h.engine.AcceptsRefunds(h.ctx, in.PaymentID)
	require.NoError(t, err)
	require.False(t, accepts)
	_, err = h.engine.Refund(h.ctx, in.PaymentID)
	require.ErrorIs(t, err, ErrRefundNotAccepted)

	h.now = testNow + DefaultPaymentWindow + 10
	require.Equal(t, PaymentAssetTransferring, h.stateOf(in.PaymentID))
	accepts, err = h.engine.AcceptsRefunds(h.ctx, in.PaymentID)
	require.NoError(t, err)
	require.True(t, accepts)

	_, err = h.engine.Refund(h.ctx, in.PaymentID)
	require.NoError(t, err)
	require.Equal(t, PaymentRefunded, h.stateOf(in.PaymentID))
	require.Equal(t, int64(300), h.localBalance(h.buyer))

	_, err = h.engine.Refund(h.ctx, in.PaymentID)
	require.ErrorIs(t, err, ErrRefundNotAccepted)
	_, err = h.engine.Finalize(h.ctx, TransferOutcome{PaymentID: in.PaymentID, WasSuccessful: true}, h.signOutcome(h.operatorKey, in.PaymentID, true))
	require.ErrorIs(t, err, ErrPaymentNotInProgress)
	_, err = h.engine.Pay(h.ctx, h.buyer, in, h.signIntent(h.operatorKey, in))
	require.ErrorIs(t, err, ErrPaymentAlreadyStarted)
}

func TestFinalizeVerifiesFrozenOperator(t *testing.T) {
	h := newHarness(t)
	h.approve(1000)
	in := h.intent(12, 100, 0)
	h.pay(in)

	newOperatorKey := mustKey(t)
	require.NoError(t, h.engine.SetUniverseOperator(h.ctx, h.owner, big.NewInt(testUniverse), newOperatorKey.Address()))

	resolved, err := h.engine.UniverseOperator(h.ctx, big.NewInt(testUniverse))
	require.NoError(t, err)
	require.Equal(t, newOperatorKey.Address(), resolved)
	other, err := h.engine.UniverseOperator(h.ctx, big.NewInt(testUniverse+1))
	require.NoError(t, err)
	require.Equal(t, h.operator, other)

	_, err = h.engine.Finalize(h.ctx, TransferOutcome{PaymentID: in.PaymentID, WasSuccessful: true}, h.signOutcome(newOperatorKey, in.PaymentID, true))
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = h.engine.Finalize(h.ctx, TransferOutcome{PaymentID: in.PaymentID, WasSuccessful: true}, h.signOutcome(h.operatorKey, in.PaymentID, true))
	require.NoError(t, err)

	require.NoError(t, h.engine.RemoveUniverseOperator(h.ctx, h.owner, big.NewInt(testUniverse)))
	resolved, err = h.engine.UniverseOperator(h.ctx, big.NewInt(testUniverse))
	require.NoError(t, err)
	require.Equal(t, h.operator, resolved)
}

func TestOutcomeSignatureMustMatchResult(t *testing.T) {
	h := newHarness(t)
	h.approve(1000)
	in := h.intent(13, 100, 0)
	h.pay(in)

	_, err := h.engine.Finalize(h.ctx, TransferOutcome{PaymentID: in.PaymentID, WasSuccessful: true}, h.signOutcome(h.operatorKey, in.PaymentID, false))
	require.ErrorIs(t, err, ErrInvalidSignature)
	require.Equal(t, PaymentAssetTransferring, h.stateOf(in.PaymentID))
}

func TestSignatureBoundToEscrowInstance(t *testing.T) {
	h := newHarness(t)
	h.approve(1000)
	in := h.intent(14, 100, 0)

	foreign := NewDomain(testChainID, common.HexToAddress("0x000000000000000000000000000000000000e5c1"))
	sig, err := SignPaymentIntent(h.operatorKey, foreign, in)
	require.NoError(t, err)
	_, err = h.engine.Pay(h.ctx, h.buyer, in, sig)
	require.ErrorIs(t, err, ErrInvalidSignature)

	otherChain := NewDomain(big.NewInt(1), testInstance)
	sig, err = SignPaymentIntent(h.operatorKey, otherChain, in)
	require.NoError(t, err)
	_, err = h.engine.Pay(h.ctx, h.buyer, in, sig)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestFinalizeAndWithdrawTakesWholeBalance(t *testing.T) {
	h := newHarness(t)
	h.approve(1000)
	first := h.intent(15, 100, 0)
	second := h.intent(16, 200, 1000)
	h.pay(first)
	h.pay(second)

	_, err := h.engine.Finalize(h.ctx, TransferOutcome{PaymentID: first.PaymentID, WasSuccessful: true}, h.signOutcome(h.operatorKey, first.PaymentID, true))
	require.NoError(t, err)

	_, withdrawn, err := h.engine.FinalizeAndWithdraw(h.ctx, h.seller, TransferOutcome{PaymentID: second.PaymentID, WasSuccessful: true}, h.signOutcome(h.operatorKey, second.PaymentID, true))
	require.NoError(t, err)
	require.Equal(t, int64(280), withdrawn.Int64())
	require.Equal(t, int64(280), h.externalBalance(h.seller))
	require.Equal(t, int64(20), h.localBalance(h.collector))
}

func TestCompoundCallFailsAsAWhole(t *testing.T) {
	h := newHarness(t)
	h.approve(1000)
	in := h.intent(17, 100, 0)
	h.pay(in)
	h.recorder.Reset()

	stranger := common.HexToAddress("0x00000000000000000000000000000000000000d4")
	_, _, err := h.engine.FinalizeAndWithdraw(h.ctx, stranger, TransferOutcome{PaymentID: in.PaymentID, WasSuccessful: true}, h.signOutcome(h.operatorKey, in.PaymentID, true))
	require.ErrorIs(t, err, ErrNothingToWithdraw)
	require.Equal(t, PaymentAssetTransferring, h.stateOf(in.PaymentID))
	require.Zero(t, h.localBalance(h.seller))
	require.Empty(t, h.recorder.Types())

	h.now = testNow + DefaultPaymentWindow + 1
	_, withdrawn, err := h.engine.RefundAndWithdraw(h.ctx, h.buyer, in.PaymentID)
	require.NoError(t, err)
	require.Equal(t, int64(100), withdrawn.Int64())
	require.Equal(t, int64(30000), h.externalBalance(h.buyer))
	require.Equal(t, []string{EventTypeBuyerRefunded, EventTypeFundsWithdrawn}, h.recorder.Types())
}

func TestExternalPullFailureAbortsInitiation(t *testing.T) {
	h := newHarness(t)
	h.approve(300)
	refundable := h.intent(18, 100, 0)
	h.pay(refundable)
	_, err := h.engine.Finalize(h.ctx, TransferOutcome{PaymentID: refundable.PaymentID}, h.signOutcome(h.operatorKey, refundable.PaymentID, false))
	require.NoError(t, err)
	require.Equal(t, int64(100), h.localBalance(h.buyer))
	h.recorder.Reset()

	boom := errors.New("ledger paused")
	h.ledger.beforeTransferFrom = func(context.Context) error { return boom }
	in := h.intent(19, 150, 0)
	_, err = h.engine.Pay(h.ctx, h.buyer, in, h.signIntent(h.operatorKey, in))
	require.ErrorIs(t, err, ErrExternalTransferFailed)
	require.ErrorIs(t, err, ErrExternalDependency)
	require.ErrorIs(t, err, boom)

	require.Equal(t, PaymentNotStarted, h.stateOf(in.PaymentID))
	require.Equal(t, int64(100), h.localBalance(h.buyer), "local debit rolled back")
	require.Empty(t, h.recorder.Types())
}

func TestReentrantWithdrawSeesZeroBalance(t *testing.T) {
	h := newHarness(t)
	h.approve(300)
	in := h.intent(20, 300, 0)
	h.pay(in)
	_, err := h.engine.Finalize(h.ctx, TransferOutcome{PaymentID: in.PaymentID, WasSuccessful: true}, h.signOutcome(h.operatorKey, in.PaymentID, true))
	require.NoError(t, err)
	h.recorder.Reset()

	var nestedErr error
	var nestedBalance *big.Int
	calls := 0
	h.ledger.afterTransfer = func(ctx context.Context, to common.Address, _ *big.Int) error {
		calls++
		nestedBalance, _ = h.engine.LocalBalance(ctx, to)
		_, nestedErr = h.engine.Withdraw(ctx, to)
		return nil
	}
	withdrawn, err := h.engine.Withdraw(h.ctx, h.seller)
	require.NoError(t, err)
	require.Equal(t, int64(300), withdrawn.Int64())
	require.Equal(t, 1, calls)
	require.NotNil(t, nestedBalance)
	require.Zero(t, nestedBalance.Sign(), "balance is zeroed before the transfer")
	require.ErrorIs(t, nestedErr, ErrReentrantCall)
	require.Equal(t, int64(300), h.externalBalance(h.seller))
	require.Equal(t, int64(0), h.localBalance(h.seller))
	require.Equal(t, []string{EventTypeFundsWithdrawn}, h.recorder.Types())
}

func TestReentrantPayDuringPullIsRejected(t *testing.T) {
	h := newHarness(t)
	h.approve(300)
	in := h.intent(22, 200, 0)
	sig := h.signIntent(h.operatorKey, in)

	var nestedErr error
	var nestedState PaymentState
	h.ledger.beforeTransferFrom = func(ctx context.Context) error {
		h.ledger.beforeTransferFrom = nil
		nestedState, _ = h.engine.PaymentState(ctx, in.PaymentID)
		_, nestedErr = h.engine.Pay(ctx, h.buyer, in, sig)
		return nil
	}
	h.pay(in)

	require.Equal(t, PaymentAssetTransferring, nestedState)
	require.ErrorIs(t, nestedErr, ErrReentrantCall)
	require.Equal(t, PaymentAssetTransferring, h.stateOf(in.PaymentID))
	require.Equal(t, int64(29800), h.externalBalance(h.buyer))
}

func TestReentrantWithdrawCannotOutliveFailedPull(t *testing.T) {
	h := newHarness(t)
	h.approve(1000)
	first := h.intent(23, 300, 0)
	h.pay(first)
	_, err := h.engine.Finalize(h.ctx, TransferOutcome{PaymentID: first.PaymentID, WasSuccessful: true}, h.signOutcome(h.operatorKey, first.PaymentID, true))
	require.NoError(t, err)
	h.recorder.Reset()

	var nestedErr error
	h.ledger.beforeTransferFrom = func(ctx context.Context) error {
		_, nestedErr = h.engine.Withdraw(ctx, h.seller)
		return errors.New("pull rejected")
	}
	second := h.intent(24, 200, 0)
	_, err = h.engine.Pay(h.ctx, h.buyer, second, h.signIntent(h.operatorKey, second))
	require.ErrorIs(t, err, ErrExternalTransferFailed)
	require.ErrorIs(t, nestedErr, ErrReentrantCall)

	require.Equal(t, PaymentNotStarted, h.stateOf(second.PaymentID))
	require.Equal(t, int64(300), h.localBalance(h.seller))
	require.Equal(t, int64(0), h.externalBalance(h.seller))
	require.Equal(t, int64(300), h.externalBalance(testInstance))
	require.Empty(t, h.recorder.Types())
}

func TestReentryOnFreshContextFailsFast(t *testing.T) {
	h := newHarness(t)
	h.engine.SetReentryWait(20 * time.Millisecond)
	h.approve(300)
	in := h.intent(25, 300, 0)
	h.pay(in)
	_, err := h.engine.Finalize(h.ctx, TransferOutcome{PaymentID: in.PaymentID, WasSuccessful: true}, h.signOutcome(h.operatorKey, in.PaymentID, true))
	require.NoError(t, err)

	var nestedErr error
	h.ledger.afterTransfer = func(_ context.Context, to common.Address, _ *big.Int) error {
		_, nestedErr = h.engine.Withdraw(context.Background(), to)
		return nil
	}
	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Withdraw(h.ctx, h.seller)
		done <- err
	}()
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("withdraw did not return while the ledger re-entered")
	}
	require.NoError(t, err)
	require.ErrorIs(t, nestedErr, ErrReentrantCall)
	require.Equal(t, int64(300), h.externalBalance(h.seller))
	require.Equal(t, int64(0), h.localBalance(h.seller))
}

func TestConcurrentCallerWaitsForLedgerInteraction(t *testing.T) {
	h := newHarness(t)
	h.approve(300)
	in := h.intent(26, 200, 0)
	sig := h.signIntent(h.operatorKey, in)

	entered := make(chan struct{})
	h.ledger.beforeTransferFrom = func(context.Context) error {
		close(entered)
		time.Sleep(30 * time.Millisecond)
		return nil
	}
	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Pay(h.ctx, h.buyer, in, sig)
		done <- err
	}()

	<-entered
	got, err := h.engine.PaymentState(context.Background(), in.PaymentID)
	require.NoError(t, err)
	require.Equal(t, PaymentAssetTransferring, got)
	require.NoError(t, <-done)
	require.Equal(t, int64(200), h.externalBalance(testInstance))
}

func TestRejectedTransferKeepsLocalBalance(t *testing.T) {
	h := newHarness(t)
	h.approve(300)
	in := h.intent(21, 300, 0)
	h.pay(in)
	_, err := h.engine.Finalize(h.ctx, TransferOutcome{PaymentID: in.PaymentID, WasSuccessful: true}, h.signOutcome(h.operatorKey, in.PaymentID, true))
	require.NoError(t, err)
	h.recorder.Reset()

	h.ledger.beforeTransfer = func(context.Context, common.Address, *big.Int) error {
		return errors.New("receiver rejected tokens")
	}
	_, err = h.engine.Withdraw(h.ctx, h.seller)
	require.ErrorIs(t, err, ErrExternalTransferFailed)
	require.Equal(t, int64(300), h.localBalance(h.seller))
	require.Equal(t, int64(0), h.externalBalance(h.seller))
	require.Equal(t, int64(300), h.externalBalance(testInstance))
	require.Empty(t, h.recorder.Types())
}

func TestWithdrawAmount(t *testing.T) {
	h := newHarness(t)
	h.approve(300)
	in := h.intent(22, 300, 0)
	h.pay(in)
	_, err := h.engine.Finalize(h.ctx, TransferOutcome{PaymentID: in.PaymentID, WasSuccessful: true}, h.signOutcome(h.operatorKey, in.PaymentID, true))
	require.NoError(t, err)

	require.NoError(t, h.engine.WithdrawAmount(h.ctx, h.seller, big.NewInt(120)))
	require.Equal(t, int64(180), h.localBalance(h.seller))
	require.Equal(t, int64(120), h.externalBalance(h.seller))

	require.ErrorIs(t, h.engine.WithdrawAmount(h.ctx, h.seller, big.NewInt(181)), ErrInsufficientBalance)
	require.ErrorIs(t, h.engine.WithdrawAmount(h.ctx, h.seller, big.NewInt(0)), ErrNothingToWithdraw)
}

func TestZeroAmountPayment(t *testing.T) {
	h := newHarness(t)
	in := h.intent(23, 0, 500)
	h.pay(in)
	_, err := h.engine.Finalize(h.ctx, TransferOutcome{PaymentID: in.PaymentID, WasSuccessful: true}, h.signOutcome(h.operatorKey, in.PaymentID, true))
	require.NoError(t, err)
	require.Equal(t, PaymentPaid, h.stateOf(in.PaymentID))
	require.Zero(t, h.localBalance(h.seller))
}

func TestAdministration(t *testing.T) {
	h := newHarness(t)
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000d4")

	require.ErrorIs(t, h.engine.SetPaymentWindow(h.ctx, stranger, MinPaymentWindow+1), ErrNotOwner)
	require.ErrorIs(t, h.engine.SetPaymentWindow(h.ctx, h.owner, MinPaymentWindow), ErrPaymentWindowRange)
	require.ErrorIs(t, h.engine.SetPaymentWindow(h.ctx, h.owner, MaxPaymentWindow), ErrPaymentWindowRange)
	require.NoError(t, h.engine.SetPaymentWindow(h.ctx, h.owner, MinPaymentWindow+1))
	window, err := h.engine.PaymentWindow(h.ctx)
	require.NoError(t, err)
	require.Equal(t, MinPaymentWindow+1, window)

	require.ErrorIs(t, h.engine.SetDefaultOperator(h.ctx, h.owner, common.Address{}), ErrZeroAddress)
	require.ErrorIs(t, h.engine.SetDefaultFeesCollector(h.ctx, stranger, stranger), ErrNotOwner)
	require.NoError(t, h.engine.SetDefaultFeesCollector(h.ctx, h.owner, stranger))
	collector, err := h.engine.UniverseFeesCollector(h.ctx, big.NewInt(testUniverse))
	require.NoError(t, err)
	require.Equal(t, stranger, collector)

	require.NoError(t, h.engine.SetUniverseFeesCollector(h.ctx, h.owner, big.NewInt(testUniverse), h.collector))
	collector, err = h.engine.UniverseFeesCollector(h.ctx, big.NewInt(testUniverse))
	require.NoError(t, err)
	require.Equal(t, h.collector, collector)
	require.NoError(t, h.engine.RemoveUniverseFeesCollector(h.ctx, h.owner, big.NewInt(testUniverse)))
	collector, err = h.engine.DefaultFeesCollector(h.ctx)
	require.NoError(t, err)
	require.Equal(t, stranger, collector)

	require.NoError(t, h.engine.RegisterSeller(h.ctx, h.seller))
	require.ErrorIs(t, h.engine.RegisterSeller(h.ctx, h.seller), ErrSellerRegistered)
	registered, err := h.engine.IsRegisteredSeller(h.ctx, h.seller)
	require.NoError(t, err)
	require.True(t, registered)

	require.NoError(t, h.engine.TransferOwnership(h.ctx, h.owner, stranger))
	require.ErrorIs(t, h.engine.SetRegistrationRequired(h.ctx, h.owner, true), ErrNotOwner)
	require.NoError(t, h.engine.SetRegistrationRequired(h.ctx, stranger, true))
	required, err := h.engine.RegistrationRequired(h.ctx)
	require.NoError(t, err)
	require.True(t, required)

	require.Equal(t, []string{
		EventTypePaymentWindowChanged,
		EventTypeDefaultFeesCollectorChanged,
		EventTypeFeesCollectorChanged,
		EventTypeFeesCollectorChanged,
		EventTypeSellerRegistered,
		EventTypeOwnershipTransferred,
		EventTypeRegistrationRequiredChanged,
	}, h.recorder.Types())
}

func TestPaymentWindowChangeDoesNotReachInitiatedPayments(t *testing.T) {
	h := newHarness(t)
	h.approve(1000)
	first := h.pay(h.intent(24, 10, 0))
	require.NoError(t, h.engine.SetPaymentWindow(h.ctx, h.owner, 4*60*60))
	second := h.pay(h.intent(25, 10, 0))

	stored, found, err := h.engine.Payment(h.ctx, first.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, testNow+DefaultPaymentWindow, stored.ExpirationTime)
	require.Equal(t, testNow+4*60*60, second.ExpirationTime)
}

func TestBootstrapIsOneShot(t *testing.T) {
	h := newHarness(t)
	written, err := h.engine.Bootstrap(h.ctx, Genesis{Owner: h.seller})
	require.NoError(t, err)
	require.False(t, written)
	owner, err := h.engine.Owner(h.ctx)
	require.NoError(t, err)
	require.Equal(t, h.owner, owner)
}

func TestUnconfiguredEngine(t *testing.T) {
	e := NewEngine(testInstance)
	_, err := e.PaymentState(context.Background(), common.Hash{})
	require.ErrorIs(t, err, errNilState)
	e.SetState(newMockState())
	_, err = e.Withdraw(context.Background(), testInstance)
	require.ErrorIs(t, err, errNilLedger)
}

func TestComputeFeeDelegates(t *testing.T) {
	e := NewEngine(testInstance)
	require.Equal(t, int64(15), e.ComputeFee(big.NewInt(300), 500).Int64())
	require.Equal(t, int64(0), e.ComputeFee(big.NewInt(1), 9_999).Int64())
	require.Equal(t, int64(7), e.ComputeFee(big.NewInt(7), 10_000).Int64())
}
