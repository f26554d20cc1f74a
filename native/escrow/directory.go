package escrow

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// directory resolves the operator and fees collector for a universe: the
// per-universe override when one is set, otherwise the default.
type directory struct {
	state engineState
}

func (d directory) resolve(role Role, universe *big.Int) (common.Address, error) {
	addr, ok, err := d.state.DirectoryGet(role, cloneBigInt(universe))
	if err != nil {
		return common.Address{}, err
	}
	if ok {
		return addr, nil
	}
	return d.state.DirectoryDefault(role)
}

func (e *Engine) onlyOwner(caller common.Address) error {
	params, err := e.params()
	if err != nil {
		return err
	}
	if params.Owner == (common.Address{}) || params.Owner != caller {
		return ErrNotOwner
	}
	return nil
}

func (e *Engine) setUniverseEntry(ctx context.Context, caller common.Address, role Role, universe *big.Int, addr common.Address) error {
	if universe != nil && universe.Sign() < 0 {
		return ErrInvalidUniverse
	}
	if addr == (common.Address{}) {
		return ErrZeroAddress
	}
	return e.call(ctx, func(ctx context.Context, f *callFrame) error {
		if err := e.onlyOwner(caller); err != nil {
			return err
		}
		if err := e.state.DirectoryPut(role, cloneBigInt(universe), addr); err != nil {
			return err
		}
		f.emit(NewDirectoryChangedEvent(role, universe, addr))
		return nil
	})
}

func (e *Engine) removeUniverseEntry(ctx context.Context, caller common.Address, role Role, universe *big.Int) error {
	if universe != nil && universe.Sign() < 0 {
		return ErrInvalidUniverse
	}
	return e.call(ctx, func(ctx context.Context, f *callFrame) error {
		if err := e.onlyOwner(caller); err != nil {
			return err
		}
		if err := e.state.DirectoryDelete(role, cloneBigInt(universe)); err != nil {
			return err
		}
		f.emit(NewDirectoryChangedEvent(role, universe, common.Address{}))
		return nil
	})
}

func (e *Engine) setDefault(ctx context.Context, caller common.Address, role Role, addr common.Address) error {
	if addr == (common.Address{}) {
		return ErrZeroAddress
	}
	return e.call(ctx, func(ctx context.Context, f *callFrame) error {
		if err := e.onlyOwner(caller); err != nil {
			return err
		}
		if err := e.state.DirectorySetDefault(role, addr); err != nil {
			return err
		}
		f.emit(NewDefaultChangedEvent(role, addr))
		return nil
	})
}

// SetUniverseOperator overrides the operator for a universe.
func (e *Engine) SetUniverseOperator(ctx context.Context, caller common.Address, universe *big.Int, operator common.Address) error {
	return e.setUniverseEntry(ctx, caller, RoleOperator, universe, operator)
}

// RemoveUniverseOperator drops the override so the default applies again.
func (e *Engine) RemoveUniverseOperator(ctx context.Context, caller common.Address, universe *big.Int) error {
	return e.removeUniverseEntry(ctx, caller, RoleOperator, universe)
}

// SetUniverseFeesCollector overrides the fees collector for a universe.
func (e *Engine) SetUniverseFeesCollector(ctx context.Context, caller common.Address, universe *big.Int, collector common.Address) error {
	return e.setUniverseEntry(ctx, caller, RoleFeesCollector, universe, collector)
}

// RemoveUniverseFeesCollector drops the override so the default applies again.
func (e *Engine) RemoveUniverseFeesCollector(ctx context.Context, caller common.Address, universe *big.Int) error {
	return e.removeUniverseEntry(ctx, caller, RoleFeesCollector, universe)
}

// SetDefaultOperator sets the operator used by universes without an override.
func (e *Engine) SetDefaultOperator(ctx context.Context, caller, operator common.Address) error {
	return e.setDefault(ctx, caller, RoleOperator, operator)
}

// SetDefaultFeesCollector sets the collector used by universes without an
// override.
func (e *Engine) SetDefaultFeesCollector(ctx context.Context, caller, collector common.Address) error {
	return e.setDefault(ctx, caller, RoleFeesCollector, collector)
}

// UniverseOperator returns the operator currently resolved for universe. Only
// new payments use it; initiated payments keep the operator frozen on them.
func (e *Engine) UniverseOperator(ctx context.Context, universe *big.Int) (common.Address, error) {
	return e.resolveRole(ctx, RoleOperator, universe)
}

// UniverseFeesCollector returns the fees collector currently resolved for
// universe.
func (e *Engine) UniverseFeesCollector(ctx context.Context, universe *big.Int) (common.Address, error) {
	return e.resolveRole(ctx, RoleFeesCollector, universe)
}

// DefaultOperator returns the fallback operator.
func (e *Engine) DefaultOperator(ctx context.Context) (common.Address, error) {
	return e.defaultRole(ctx, RoleOperator)
}

// DefaultFeesCollector returns the fallback fees collector.
func (e *Engine) DefaultFeesCollector(ctx context.Context) (common.Address, error) {
	return e.defaultRole(ctx, RoleFeesCollector)
}

func (e *Engine) resolveRole(ctx context.Context, role Role, universe *big.Int) (common.Address, error) {
	var out common.Address
	err := e.view(ctx, func(context.Context, *callFrame) error {
		var innerErr error
		out, innerErr = directory{state: e.state}.resolve(role, universe)
		return innerErr
	})
	return out, err
}

func (e *Engine) defaultRole(ctx context.Context, role Role) (common.Address, error) {
	var out common.Address
	err := e.view(ctx, func(context.Context, *callFrame) error {
		var innerErr error
		out, innerErr = e.state.DirectoryDefault(role)
		return innerErr
	})
	return out, err
}
