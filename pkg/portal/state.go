// Copyright 2024-2026 Aiku AI

// Package portal runs the lifecycle of bridged conversations. Every live
// portal owns one worker goroutine that drains a private FIFO queue, so
// events of one conversation are handled strictly one at a time while
// different conversations proceed in parallel.
package portal

import (
	"errors"
	"slices"

	"github.com/aiku/mautrix-bridgecore/pkg/database"
)

var (
	// ErrPortalArchived is returned by every operation on an archived portal.
	ErrPortalArchived = errors.New("portal is archived")
	// ErrQueueFull is returned when a degraded portal can't buffer more events.
	ErrQueueFull = errors.New("portal queue is full")
	// ErrInvalidTransition is returned for state changes the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid portal state transition")
	// ErrPortalStopped is returned when the portal's worker has shut down.
	ErrPortalStopped = errors.New("portal worker stopped")
)

var transitions = map[database.PortalState][]database.PortalState{
	database.StateCreating: {database.StateSyncing},
	database.StateSyncing:  {database.StateActive, database.StateDegraded, database.StateCreating},
	database.StateActive:   {database.StateDegraded},
	database.StateDegraded: {database.StateActive},
}

// CanTransition reports whether a portal may move from one state to another.
// Every non-archived state may be archived, and nothing leaves ARCHIVED.
func CanTransition(from, to database.PortalState) bool {
	if from == database.StateArchived {
		return false
	} else if to == database.StateArchived {
		return true
	}
	return slices.Contains(transitions[from], to)
}

// Outcome is how the relay pipeline disposed of one inbound event.
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeFailed    Outcome = "failed"
	OutcomeQueued    Outcome = "queued"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnbridged Outcome = "unbridged"
	OutcomeUnmapped  Outcome = "unmapped"
	OutcomeIgnored   Outcome = "ignored"
)

// Result is the final disposition of one queued event.
type Result struct {
	Outcome  Outcome
	TargetID string
	Err      error
}
