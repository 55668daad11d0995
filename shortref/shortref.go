// Package shortref maps compact two-letter references (AA..ZZ) to full item ids.
//
// Each account keeps two tables, one for feed items and one for direct messages.
// A table holds at most 676 slots and is a circular buffer: once slot 675 ("ZZ")
// has been used the next assignment overwrites slot 0 ("AA"). A reference that was
// handed out before a wraparound may therefore point at a newer item; that is an
// accepted limitation of the addressing scheme.
package shortref

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

const (
	// Capacity is the number of addressable slots (two base-26 digits).
	Capacity = 26 * 26
	// MaxIndex is the value of "ZZ".
	MaxIndex = Capacity - 1

	// LocalReferenceLimit separates local short references from platform ids.
	// Decoded values below it are table slots, anything else is used as a raw
	// item id. Platform ids are always far above this, which is the only reason
	// the heuristic works; keep the value as is.
	LocalReferenceLimit = 1000
)

var (
	// ErrNotFound is returned when a slot has never been assigned.
	ErrNotFound = errors.New("short reference not found")
	// ErrInvalidReference is returned for tokens that are neither base-26 letters nor digits.
	ErrInvalidReference = errors.New("invalid reference")
)

// Encode renders a slot index as its two-letter code.
func Encode(index int) string {
	if index < 0 || index > MaxIndex {
		return ""
	}
	return string([]byte{byte('A' + index/26), byte('A' + index%26)})
}

// Decode parses a case-insensitive base-26 token ('A'=0 .. 'Z'=25).
func Decode(token string) (int64, error) {
	if token == "" {
		return 0, ErrInvalidReference
	}
	var v int64
	for _, r := range strings.ToUpper(token) {
		if r < 'A' || r > 'Z' {
			return 0, ErrInvalidReference
		}
		if v > (1<<62)/26 {
			return 0, fmt.Errorf("%w: %q overflows", ErrInvalidReference, token)
		}
		v = v*26 + int64(r-'A')
	}
	return v, nil
}

// IsBase26 reports whether token consists of letters only.
func IsBase26(token string) bool {
	_, err := Decode(token)
	return err == nil
}

// Reference is a classified user-supplied token.
type Reference struct {
	// Short is true when Value is a table slot rather than an item id.
	Short bool
	Value int64
}

// ClassifyReference decides whether token addresses a local slot or a raw id.
func ClassifyReference(token string) (Reference, error) {
	token = strings.TrimSpace(token)
	var v int64
	if IsBase26(token) {
		v, _ = Decode(token)
	} else {
		n, err := strconv.ParseInt(token, 10, 64)
		if err != nil || n < 0 {
			return Reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, token)
		}
		v = n
	}
	if v < LocalReferenceLimit {
		return Reference{Short: true, Value: v}, nil
	}
	return Reference{Value: v}, nil
}

// State is the persisted form of a table.
type State struct {
	Slots []int64 `json:"slots"`
	// Last is the most recently assigned slot, -1 for an empty table.
	Last int `json:"last"`
}

// NewState returns an empty table state.
func NewState() State { return State{Last: -1} }

// PersistFunc stores a table state. It runs while the table lock is held.
type PersistFunc func(ctx context.Context, st State) error

// Table is a concurrency-safe reference table.
type Table struct {
	mu      sync.Mutex
	slots   []int64
	index   map[int64]int
	last    int
	persist PersistFunc
}

// NewTable builds a table from persisted state. persist may be nil.
func NewTable(st State, persist PersistFunc) *Table {
	t := &Table{
		slots:   make([]int64, 0, Capacity),
		index:   make(map[int64]int, len(st.Slots)),
		last:    st.Last,
		persist: persist,
	}
	slots := st.Slots
	if len(slots) > Capacity {
		slots = slots[:Capacity]
	}
	t.slots = append(t.slots, slots...)
	for i, id := range t.slots {
		if id == 0 {
			continue
		}
		if _, dup := t.index[id]; !dup {
			t.index[id] = i
		}
	}
	if t.last < -1 || t.last > MaxIndex || len(t.slots) == 0 {
		t.last = -1
	}
	return t
}

// ResolveOrAssign returns the slot already holding longID, or assigns the next
// slot and persists the table before returning.
func (t *Table) ResolveOrAssign(ctx context.Context, longID int64) (int, error) {
	slot, _, err := t.Assign(ctx, longID)
	return slot, err
}

// Assign is ResolveOrAssign that also reports whether longID was new to the
// table. The check and the assignment happen under one lock.
func (t *Table) Assign(ctx context.Context, longID int64) (slot int, fresh bool, err error) {
	if longID == 0 {
		return 0, false, fmt.Errorf("%w: zero id", ErrInvalidReference)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, ok := t.index[longID]; ok {
		return i, false, nil
	}

	prevLast := t.last
	next := t.last + 1
	if t.last >= MaxIndex {
		next = 0
	}
	if next > len(t.slots) {
		next = len(t.slots)
	}
	var prevID int64
	grew := false
	if next < len(t.slots) {
		prevID = t.slots[next]
		t.slots[next] = longID
	} else {
		t.slots = append(t.slots, longID)
		grew = true
	}
	t.last = next
	if prevID != 0 && t.index[prevID] == next {
		delete(t.index, prevID)
	}
	t.index[longID] = next

	if t.persist != nil {
		if err := t.persist(ctx, t.stateLocked()); err != nil {
			delete(t.index, longID)
			if grew {
				t.slots = t.slots[:len(t.slots)-1]
			} else {
				t.slots[next] = prevID
				if prevID != 0 {
					t.index[prevID] = next
				}
			}
			t.last = prevLast
			return 0, false, fmt.Errorf("persist reference table: %w", err)
		}
	}
	return next, true, nil
}

// Lookup returns the id stored in slot.
func (t *Table) Lookup(slot int) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 0 || slot >= len(t.slots) || t.slots[slot] == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, Encode(slot))
	}
	return t.slots[slot], nil
}

// Resolve turns a user token into an item id, looking short references up in the table.
func (t *Table) Resolve(token string) (int64, error) {
	ref, err := ClassifyReference(token)
	if err != nil {
		return 0, err
	}
	if !ref.Short {
		return ref.Value, nil
	}
	if ref.Value > MaxIndex {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, token)
	}
	return t.Lookup(int(ref.Value))
}

// State returns a copy of the table for persistence or inspection.
func (t *Table) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

// Len returns the number of slots in use.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

func (t *Table) stateLocked() State {
	slots := make([]int64, len(t.slots))
	copy(slots, t.slots)
	return State{Slots: slots, Last: t.last}
}
