package directory

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Memory is an in-process directory for development and tests. Faults can be
// queued per operation with FailNext.
type Memory struct {
	mu       sync.Mutex
	members  map[string]map[string]bool
	unknown  map[string]bool
	failures map[string][]error
	calls    map[string]int
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{
		members:  make(map[string]map[string]bool),
		unknown:  make(map[string]bool),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// FailNext makes the next n calls of op fail with err. A plain error is
// reported as ErrUnavailable unless it already wraps ErrRejected.
func (m *Memory) FailNext(op string, n int, err error) {
	if err == nil {
		err = errors.New("injected failure")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.failures[op] = append(m.failures[op], err)
	}
}

// RejectPrincipal makes every AddMember for principal fail with ErrRejected.
func (m *Memory) RejectPrincipal(principal string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unknown[principal] = true
}

// Seed adds a member directly, bypassing counters. It models out-of-band changes.
func (m *Memory) Seed(role, principal string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.add(role, principal)
}

// Drop removes a member directly, bypassing counters.
func (m *Memory) Drop(role, principal string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members[role], principal)
}

// Has reports whether principal is currently a member of role.
func (m *Memory) Has(role, principal string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[role][principal]
}

// Calls returns how many times op was invoked, including failed calls.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Memory) AddMember(_ context.Context, role, principal string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[OpAdd]++

	if err := m.fault(OpAdd, role, principal); err != nil {
		return 0, err
	}
	if m.unknown[principal] {
		return 0, Rejected(OpAdd, role, principal, errors.New("principal not found"))
	}
	if m.members[role][principal] {
		return AlreadyMember, nil
	}
	m.add(role, principal)
	return Success, nil
}

func (m *Memory) RemoveMember(_ context.Context, role, principal string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[OpRemove]++

	if err := m.fault(OpRemove, role, principal); err != nil {
		return 0, err
	}
	if !m.members[role][principal] {
		return NotMember, nil
	}
	delete(m.members[role], principal)
	return Success, nil
}

func (m *Memory) ListMembers(_ context.Context, role string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[OpList]++

	if err := m.fault(OpList, role, ""); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m.members[role]))
	for p := range m.members[role] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) add(role, principal string) {
	if m.members[role] == nil {
		m.members[role] = make(map[string]bool)
	}
	m.members[role][principal] = true
}

// fault pops the next queued failure for op. Caller holds m.mu.
func (m *Memory) fault(op, role, principal string) error {
	queue := m.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	m.failures[op] = queue[1:]
	if IsRejected(err) || IsUnavailable(err) {
		return err
	}
	return Unavailable(op, role, principal, err)
}
