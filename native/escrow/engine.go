package escrow

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"assetescrow/core/events"
)

const (
	// DefaultPaymentWindow is the window applied until an administrator sets
	// another one.
	DefaultPaymentWindow int64 = 30 * 24 * 60 * 60
	// MinPaymentWindow and MaxPaymentWindow are exclusive bounds.
	MinPaymentWindow int64 = 3 * 60 * 60
	MaxPaymentWindow int64 = 60 * 24 * 60 * 60

	// DefaultReentryWait bounds how long a caller without an operation
	// context waits for an in-flight ledger interaction to finish.
	DefaultReentryWait = time.Second
)

type engineState interface {
	PaymentGet(id common.Hash) (*Payment, bool, error)
	PaymentPut(p *Payment) error
	BalanceGet(addr common.Address) (*big.Int, error)
	BalancePut(addr common.Address, amount *big.Int) error
	SellerRegistered(addr common.Address) (bool, error)
	SellerPut(addr common.Address) error
	DirectoryGet(role Role, universe *big.Int) (common.Address, bool, error)
	DirectoryPut(role Role, universe *big.Int, addr common.Address) error
	DirectoryDelete(role Role, universe *big.Int) error
	DirectoryDefault(role Role) (common.Address, error)
	DirectorySetDefault(role Role, addr common.Address) error
	ParamsGet() (*Params, bool, error)
	ParamsPut(p *Params) error

	Snapshot() int
	RevertToSnapshot(id int)
	Commit() error
}

// TokenLedger is the external fungible token the escrow holds funds in. The
// escrow instance address acts as both holder and approved spender. The ledger
// is untrusted: it may call back into the engine, in which case reads see the
// in-flight operation and state-changing calls fail with ErrReentrantCall.
// Callbacks that forward the context they were given are detected at once;
// callbacks on a fresh context fail after the reentry wait.
type TokenLedger interface {
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
	TransferFrom(ctx context.Context, spender, owner, to common.Address, amount *big.Int) error
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
}

// Genesis seeds the parameters and default directory entries of a fresh
// escrow. It is ignored once parameters exist.
type Genesis struct {
	Owner                common.Address
	PaymentWindow        int64
	RegistrationRequired bool
	DefaultOperator      common.Address
	DefaultFeesCollector common.Address
}

// Engine executes payment lifecycle transitions against injected state, token
// ledger and signature oracle. Every public operation is atomic: it either
// commits all of its state changes and events or none.
type Engine struct {
	mu          sync.Mutex
	guard       sync.Mutex
	interacting chan struct{}
	reentryWait time.Duration

	instance common.Address
	currency string
	state    engineState
	ledger   TokenLedger
	oracle   SignatureOracle
	emitter  events.Emitter
	nowFn    func() int64
}

// NewEngine creates an engine for the escrow instance identified by instance.
// The address receives pulled funds and is bound into every signature domain.
func NewEngine(instance common.Address) *Engine {
	return &Engine{
		instance:    instance,
		emitter:     events.NoopEmitter{},
		nowFn:       func() int64 { return time.Now().Unix() },
		reentryWait: DefaultReentryWait,
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetTokenLedger configures the external token ledger.
func (e *Engine) SetTokenLedger(ledger TokenLedger) { e.ledger = ledger }

// SetSignatureOracle configures the verifier for intents and outcomes.
func (e *Engine) SetSignatureOracle(oracle SignatureOracle) { e.oracle = oracle }

// SetCurrencyDescriptor records a human readable description of the token,
// returned verbatim by CurrencyDescriptor.
func (e *Engine) SetCurrencyDescriptor(desc string) { e.currency = desc }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetReentryWait bounds how long an operation arriving without an operation
// context waits on an in-flight ledger interaction before it is rejected as a
// re-entry. Non-positive values restore DefaultReentryWait.
func (e *Engine) SetReentryWait(d time.Duration) {
	if d <= 0 {
		d = DefaultReentryWait
	}
	e.reentryWait = d
}

// Instance returns the escrow instance address.
func (e *Engine) Instance() common.Address { return e.instance }

// CurrencyDescriptor returns the configured token description.
func (e *Engine) CurrencyDescriptor() string { return e.currency }

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	switch {
	case e.state == nil:
		return errNilState
	case e.ledger == nil:
		return errNilLedger
	case e.oracle == nil:
		return errNilOracle
	}
	return nil
}

// Bootstrap writes g as the initial parameters unless parameters already
// exist. It returns whether anything was written.
func (e *Engine) Bootstrap(ctx context.Context, g Genesis) (bool, error) {
	written := false
	err := e.call(ctx, func(ctx context.Context, f *callFrame) error {
		if _, ok, err := e.state.ParamsGet(); err != nil {
			return err
		} else if ok {
			return nil
		}
		window := g.PaymentWindow
		if window == 0 {
			window = DefaultPaymentWindow
		}
		if !validPaymentWindow(window) {
			return ErrPaymentWindowRange
		}
		if err := e.state.ParamsPut(&Params{
			Owner:                g.Owner,
			PaymentWindow:        window,
			RegistrationRequired: g.RegistrationRequired,
		}); err != nil {
			return err
		}
		if g.DefaultOperator != (common.Address{}) {
			if err := e.state.DirectorySetDefault(RoleOperator, g.DefaultOperator); err != nil {
				return err
			}
		}
		if g.DefaultFeesCollector != (common.Address{}) {
			if err := e.state.DirectorySetDefault(RoleFeesCollector, g.DefaultFeesCollector); err != nil {
				return err
			}
		}
		written = true
		return nil
	})
	return written, err
}

type callFrameKey struct{}

// callFrame tracks the outermost operation in progress. Events are buffered
// until the frame commits.
type callFrame struct {
	engine *Engine
	open   atomic.Bool
	events []events.Event
}

func (f *callFrame) emit(evt events.Event) {
	if evt != nil {
		f.events = append(f.events, evt)
	}
}

// call runs a state-changing operation atomically. A call that arrives while
// the engine is handing control to the token ledger is a re-entry and is
// rejected with ErrReentrantCall.
func (e *Engine) call(ctx context.Context, fn func(context.Context, *callFrame) error) error {
	return e.run(ctx, fn, true)
}

// view runs a read-only operation. Re-entrant views are served from the state
// of the operation in flight, so they observe its effects before it commits.
func (e *Engine) view(ctx context.Context, fn func(context.Context, *callFrame) error) error {
	return e.run(ctx, fn, false)
}

func (e *Engine) run(ctx context.Context, fn func(context.Context, *callFrame) error, mutates bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if f, ok := ctx.Value(callFrameKey{}).(*callFrame); ok && f.engine == e && f.open.Load() {
		if mutates {
			return ErrReentrantCall
		}
		return fn(ctx, f)
	}

	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return err
	}
	frame := &callFrame{engine: e}
	frame.open.Store(true)
	defer frame.open.Store(false)
	ctx = context.WithValue(ctx, callFrameKey{}, frame)
	if !mutates {
		return fn(ctx, frame)
	}

	snap := e.state.Snapshot()
	if err := fn(ctx, frame); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	if err := e.state.Commit(); err != nil {
		e.state.RevertToSnapshot(snap)
		return fmt.Errorf("escrow engine: commit: %w", err)
	}
	if len(frame.events) == 0 {
		return nil
	}
	return e.interact(func() error {
		for _, evt := range frame.events {
			e.emitter.Emit(evt)
		}
		return nil
	})
}

// acquire takes the engine lock. While the holder has handed control to the
// token ledger or the emitter the wait is bounded by the reentry wait: a
// caller that is still blocked when it expires is treated as a re-entry that
// lost its context, since the holder cannot finish until it returns.
func (e *Engine) acquire(ctx context.Context) error {
	for {
		if e.mu.TryLock() {
			return nil
		}
		e.guard.Lock()
		busy := e.interacting
		e.guard.Unlock()
		if busy == nil {
			e.mu.Lock()
			return nil
		}
		timer := time.NewTimer(e.reentryWait)
		select {
		case <-busy:
			timer.Stop()
		case <-timer.C:
			return ErrReentrantCall
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// interact marks the engine as handing control to external code for the
// duration of fn. Must be called with e.mu held; nested interactions from a
// re-entrant view stay part of the outer one.
func (e *Engine) interact(fn func() error) error {
	done := make(chan struct{})
	e.guard.Lock()
	if e.interacting != nil {
		e.guard.Unlock()
		return fn()
	}
	e.interacting = done
	e.guard.Unlock()
	defer func() {
		e.guard.Lock()
		e.interacting = nil
		e.guard.Unlock()
		close(done)
	}()
	return fn()
}

func (e *Engine) params() (*Params, error) {
	params, ok, err := e.state.ParamsGet()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNoParams
	}
	return params, nil
}

func (e *Engine) loadPayment(id common.Hash) (*Payment, bool, error) {
	payment, ok, err := e.state.PaymentGet(id)
	if err != nil || !ok {
		return nil, ok, err
	}
	payment, err = SanitizePayment(payment)
	if err != nil {
		return nil, false, err
	}
	return payment, true, nil
}

func (e *Engine) paymentState(id common.Hash) (PaymentState, error) {
	payment, ok, err := e.loadPayment(id)
	if err != nil {
		return PaymentNotStarted, err
	}
	if !ok {
		return PaymentNotStarted, nil
	}
	return payment.State, nil
}

type initiator uint8

const (
	initiatedByBuyer initiator = iota
	initiatedByOperator
)

// Pay initiates a payment submitted by the buyer. operatorSig must be the
// universe operator's signature over intent.
func (e *Engine) Pay(ctx context.Context, caller common.Address, intent PaymentIntent, operatorSig []byte) (*Payment, error) {
	return e.initiate(ctx, caller, intent, operatorSig, initiatedByBuyer)
}

// RelayedPay initiates a payment submitted by the universe operator on behalf
// of the buyer. buyerSig must be the buyer's signature over intent.
func (e *Engine) RelayedPay(ctx context.Context, caller common.Address, intent PaymentIntent, buyerSig []byte) (*Payment, error) {
	return e.initiate(ctx, caller, intent, buyerSig, initiatedByOperator)
}

func (e *Engine) initiate(ctx context.Context, caller common.Address, in PaymentIntent, sig []byte, by initiator) (*Payment, error) {
	intent, err := SanitizeIntent(in)
	if err != nil {
		return nil, err
	}
	var created *Payment
	err = e.call(ctx, func(ctx context.Context, f *callFrame) error {
		params, err := e.params()
		if err != nil {
			return err
		}
		if intent.FeeBps > 10_000 {
			return ErrFeeOutOfRange
		}
		current, err := e.paymentState(intent.PaymentID)
		if err != nil {
			return err
		}
		if current != PaymentNotStarted {
			return ErrPaymentAlreadyStarted
		}
		now := e.now()
		if now > intent.Deadline {
			return ErrDeadlineExpired
		}
		if params.RegistrationRequired {
			registered, err := e.state.SellerRegistered(intent.Seller)
			if err != nil {
				return err
			}
			if !registered {
				return ErrSellerNotRegistered
			}
		}

		maxFunds, err := e.maxFundsAvailable(ctx, intent.Buyer)
		if err != nil {
			return err
		}
		if maxFunds.Cmp(intent.Amount) < 0 {
			return ErrInsufficientFunds
		}

		// Authorization runs once every precondition on the intent holds.
		dir := directory{state: e.state}
		operator, err := dir.resolve(RoleOperator, intent.UniverseID)
		if err != nil {
			return err
		}
		var signer common.Address
		switch by {
		case initiatedByBuyer:
			if caller != intent.Buyer {
				return ErrCallerNotBuyer
			}
			signer = operator
		case initiatedByOperator:
			if caller != operator {
				return ErrOperatorNotAuthorized
			}
			signer = intent.Buyer
		}
		if operator == intent.Buyer || operator == intent.Seller {
			return ErrOperatorNotDisinterested
		}
		if !e.oracle.VerifyPaymentIntent(intent, sig, signer) {
			return ErrInvalidSignature
		}

		external, local, err := e.splitFundingSources(ctx, intent.Buyer, intent.Amount)
		if err != nil {
			return err
		}
		feesCollector, err := dir.resolve(RoleFeesCollector, intent.UniverseID)
		if err != nil {
			return err
		}

		payment := &Payment{
			ID:             intent.PaymentID,
			State:          PaymentAssetTransferring,
			Buyer:          intent.Buyer,
			Seller:         intent.Seller,
			Operator:       operator,
			FeesCollector:  feesCollector,
			UniverseID:     cloneBigInt(intent.UniverseID),
			ExpirationTime: now + params.PaymentWindow,
			FeeBps:         intent.FeeBps,
			Amount:         cloneBigInt(intent.Amount),
		}
		if err := e.state.PaymentPut(payment.Clone()); err != nil {
			return err
		}
		if local.Sign() > 0 {
			if err := e.debit(intent.Buyer, local); err != nil {
				return err
			}
		}
		if external.Sign() > 0 {
			if err := e.interact(func() error {
				return e.ledger.TransferFrom(ctx, e.instance, intent.Buyer, e.instance, external)
			}); err != nil {
				return externalTransferError("pull buyer funds", err)
			}
		}
		f.emit(NewFundsReceivedEvent(payment, external, local))
		created = payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}
