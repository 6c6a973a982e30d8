// Package state implements the cooperating finite-state machines: agent
// availability, per-media-domain agent capacity, and task lifecycle. The
// transition decisions are pure functions; their callers apply side effects
// (persistence, bus publication, router notification) only when a state
// actually changed.
package state

import (
	"github.com/ccmesh/routing-engine/pkg/models"
)

// CapacityContext is everything a capacity transition decision may consult.
type CapacityContext struct {
	AgentState      models.AgentState
	Current         models.MrdState
	ActivePushTasks int
	MaxTasks        int
	// HasReservation is true when the agent's outstanding reservation is on
	// this media domain. A reservation blocks not-ready.
	HasReservation bool
	// Managed is false for externally managed domains, which bypass
	// not-ready gating entirely.
	Managed       bool
	Interruptible bool
}

// TransitionCapacity computes the new capacity state for one (agent, media
// domain) pair given a requested target. A failed guard returns the current
// state unchanged; callers compare against Current to detect the no-op and
// suppress redundant notification.
func TransitionCapacity(target models.MrdState, c CapacityContext) models.MrdState {
	switch target {
	case models.MrdLogout:
		return models.MrdLogout
	case models.MrdLogin:
		return models.MrdLogin
	case models.MrdReady:
		return capacityToReady(c)
	case models.MrdNotReady:
		return capacityToNotReady(c)
	case models.MrdActive:
		return capacityToActive(c)
	case models.MrdBusy:
		return capacityToBusy(c)
	case models.MrdInterrupted:
		return capacityToInterrupted(c)
	default:
		return c.Current
	}
}

func capacityToReady(c CapacityContext) models.MrdState {
	if c.AgentState != models.AgentReady || c.MaxTasks <= 0 {
		return c.Current
	}
	switch c.Current {
	case models.MrdNotReady, models.MrdBusy:
		return models.MrdReady
	case models.MrdActive:
		if c.ActivePushTasks == 0 {
			return models.MrdReady
		}
	case models.MrdPendingNotReady:
		// Lingering not-ready resolves by load once the agent is ready again.
		if c.ActivePushTasks == 0 {
			return models.MrdReady
		}
		if c.ActivePushTasks >= c.MaxTasks {
			return models.MrdBusy
		}
		return models.MrdActive
	}
	return c.Current
}

func capacityToNotReady(c CapacityContext) models.MrdState {
	if !c.Managed {
		// Externally managed domains report whatever the external system
		// says; no gating applies.
		return models.MrdNotReady
	}
	if c.HasReservation {
		return c.Current
	}
	switch c.Current {
	case models.MrdReady:
		return models.MrdNotReady
	case models.MrdPendingNotReady:
		if c.ActivePushTasks == 0 {
			return models.MrdNotReady
		}
	case models.MrdActive, models.MrdBusy:
		// Work is still in flight; linger until the tasks close.
		return models.MrdPendingNotReady
	}
	return c.Current
}

func capacityToActive(c CapacityContext) models.MrdState {
	switch c.Current {
	case models.MrdReady, models.MrdBusy:
		return models.MrdActive
	}
	return c.Current
}

func capacityToBusy(c CapacityContext) models.MrdState {
	switch c.Current {
	case models.MrdActive, models.MrdReady, models.MrdPendingNotReady:
		return models.MrdBusy
	}
	return c.Current
}

func capacityToInterrupted(c CapacityContext) models.MrdState {
	if !c.Interruptible {
		return c.Current
	}
	switch c.Current {
	case models.MrdActive, models.MrdBusy:
		return models.MrdInterrupted
	}
	return c.Current
}

// EligibleToReceive reports whether a capacity state can accept a routed
// push task: READY always, ACTIVE only on interruptible domains.
func EligibleToReceive(s models.MrdState, interruptible bool) bool {
	switch s {
	case models.MrdReady:
		return true
	case models.MrdActive:
		return interruptible
	}
	return false
}
