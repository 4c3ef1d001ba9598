// Package ktypes holds the small shared primitives every kernel subsystem
// builds on: the IRQ-safe spinlock wrapper and the intrusive list
// abstraction called for in spec.md §9 ("Global mutable state" /
// "Interrupt/task split" design notes).
package ktypes

import "sync"

// SpinLock models spec.md's ticket spinlock. In a hosted, single-CPU Go
// simulation there is no real IF flag to clear, so LockIRQ/UnlockIRQ
// track re-entrant "interrupts disabled" state with a counter instead of
// touching any actual CPU flag. No call site in this repository uses
// LockIRQ/UnlockIRQ: every lock, including the run-queue lock the
// timer-tick handler takes, is acquired with Lock/Unlock.
type SpinLock struct {
	mu       sync.Mutex
	disabled int
}

// Lock acquires the lock for task-context-only critical sections.
func (s *SpinLock) Lock() { s.mu.Lock() }

// Unlock releases a Lock-acquired lock.
func (s *SpinLock) Unlock() { s.mu.Unlock() }

// LockIRQ acquires the lock and marks interrupts logically disabled for
// the duration of the critical section. Returns a token to pass to
// UnlockIRQ, mirroring save/restore of RFLAGS.IF around the real
// instruction pair.
func (s *SpinLock) LockIRQ() (token int) {
	s.mu.Lock()
	s.disabled++
	return s.disabled
}

// UnlockIRQ restores the IRQ-disabled depth and releases the lock.
func (s *SpinLock) UnlockIRQ(token int) {
	s.disabled--
	s.mu.Unlock()
}
