// Package domain holds the storefront-visibility state machine and the
// webhook conflict policy. It is pure: no I/O, no clocks, no handles.
package domain

import (
	"github.com/pkg/errors"
)

// EverShopSyncState is the closed set of storefront-sync states a
// product can be in. Exactly one value applies at any time.
type EverShopSyncState string

const (
	StateNotSynced      EverShopSyncState = "not_synced"
	StateVaultOnly      EverShopSyncState = "vault_only"
	StateEvershopHidden EverShopSyncState = "evershop_hidden"
	StateEvershopLive   EverShopSyncState = "evershop_live"
	StateSyncError      EverShopSyncState = "sync_error"
)

// Trigger is an input to the state machine
type Trigger string

const (
	// TriggerCatalogued fires when a product is created locally
	TriggerCatalogued Trigger = "catalogued"
	// TriggerPromoted fires on a successful storefront promotion
	TriggerPromoted Trigger = "promoted"
	// TriggerSold fires when quantity reaches zero after a sale
	TriggerSold Trigger = "sold"
	// TriggerRelisted fires on unpromote-reversal or re-listing
	TriggerRelisted Trigger = "relisted"
	// TriggerWithdrawn fires on a rollback that pulls a product off the
	// storefront while keeping it catalogued
	TriggerWithdrawn Trigger = "withdrawn"
	// TriggerFault fires when storefront calls exhaust retries or a
	// webhook reports an irreconcilable state
	TriggerFault Trigger = "fault"
)

// ErrIllegalTransition is returned when a trigger is not legal from the
// current state.
var ErrIllegalTransition = errors.New("illegal sync state transition")

// States returns every valid state value
func States() []EverShopSyncState {
	return []EverShopSyncState{
		StateNotSynced,
		StateVaultOnly,
		StateEvershopHidden,
		StateEvershopLive,
		StateSyncError,
	}
}

// Triggers returns every defined trigger
func Triggers() []Trigger {
	return []Trigger{
		TriggerCatalogued,
		TriggerPromoted,
		TriggerSold,
		TriggerRelisted,
		TriggerWithdrawn,
		TriggerFault,
	}
}

// Valid reports whether s is a member of the closed state set
func (s EverShopSyncState) Valid() bool {
	switch s {
	case StateNotSynced, StateVaultOnly, StateEvershopHidden, StateEvershopLive, StateSyncError:
		return true
	}
	return false
}

// Transition maps (current state, trigger) to the next state. Promoting
// an already-live product is a no-op success, which keeps promotion
// idempotent. Any state can fault. All other undefined pairs return
// ErrIllegalTransition and leave the caller's state untouched.
func Transition(current EverShopSyncState, trigger Trigger) (EverShopSyncState, error) {
	if trigger == TriggerFault {
		return StateSyncError, nil
	}

	switch current {
	case StateNotSynced:
		if trigger == TriggerCatalogued {
			return StateVaultOnly, nil
		}
	case StateVaultOnly:
		if trigger == TriggerPromoted {
			return StateEvershopLive, nil
		}
	case StateEvershopLive:
		switch trigger {
		case TriggerPromoted:
			// Idempotent re-promotion
			return StateEvershopLive, nil
		case TriggerSold:
			return StateEvershopHidden, nil
		case TriggerWithdrawn:
			return StateVaultOnly, nil
		}
	case StateEvershopHidden:
		switch trigger {
		case TriggerRelisted, TriggerPromoted:
			return StateEvershopLive, nil
		case TriggerSold:
			// A second sale of a hidden product (replayed event) stays hidden
			return StateEvershopHidden, nil
		case TriggerWithdrawn:
			return StateVaultOnly, nil
		}
	}

	return current, errors.Wrapf(ErrIllegalTransition, "%s + %s", current, trigger)
}

// Recover clears sync_error into a concrete target state once the
// underlying cause is resolved. Only vault_only, evershop_hidden and
// evershop_live are legal targets.
func Recover(current, target EverShopSyncState) (EverShopSyncState, error) {
	if current != StateSyncError {
		return current, errors.Wrapf(ErrIllegalTransition, "recover from %s", current)
	}
	switch target {
	case StateVaultOnly, StateEvershopHidden, StateEvershopLive:
		return target, nil
	}
	return current, errors.Wrapf(ErrIllegalTransition, "recover to %s", target)
}
