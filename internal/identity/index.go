// Package identity maintains the bidirectional mapping between operator-facing
// short aliases and internal session identifiers.
package identity

import (
	"crypto/rand"
	"errors"
	"sort"
	"sync"
)

const (
	ShortIDLen = 5
	alphabet   = "abcdefghijklmnopqrstuvwxyz0123456789"
)

var (
	ErrUnknownShortID = errors.New("identity: unknown short id")
	ErrShortIDTaken   = errors.New("identity: short id already bound to another session")
)

type Entry struct {
	ShortID   string
	SessionID string
	Phone     string
}

// Index is safe for concurrent use. short_id is unique across live entries
// and each session_id has at most one entry.
type Index struct {
	mu        sync.RWMutex
	byShort   map[string]Entry
	bySession map[string]string // session_id -> short_id
}

func New() *Index {
	return &Index{
		byShort:   make(map[string]Entry),
		bySession: make(map[string]string),
	}
}

// Assign binds sessionID to a fresh short id, or returns the existing entry
// (with the phone updated) when the session is already indexed.
func (x *Index) Assign(sessionID, phone string) Entry {
	x.mu.Lock()
	defer x.mu.Unlock()

	if short, ok := x.bySession[sessionID]; ok {
		e := x.byShort[short]
		if phone != "" {
			e.Phone = phone
			x.byShort[short] = e
		}
		return e
	}
	short := x.freshLocked()
	e := Entry{ShortID: short, SessionID: sessionID, Phone: phone}
	x.byShort[short] = e
	x.bySession[sessionID] = short
	return e
}

// Put inserts a known entry, e.g. one restored from the session store.
// An existing entry for the same session is replaced.
func (x *Index) Put(e Entry) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if cur, ok := x.byShort[e.ShortID]; ok && cur.SessionID != e.SessionID {
		return ErrShortIDTaken
	}
	if old, ok := x.bySession[e.SessionID]; ok && old != e.ShortID {
		delete(x.byShort, old)
	}
	x.byShort[e.ShortID] = e
	x.bySession[e.SessionID] = e.ShortID
	return nil
}

func (x *Index) Lookup(shortID string) (Entry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.byShort[shortID]
	return e, ok
}

// Resolve is Lookup returning ErrUnknownShortID for a miss.
func (x *Index) Resolve(shortID string) (Entry, error) {
	if e, ok := x.Lookup(shortID); ok {
		return e, nil
	}
	return Entry{}, ErrUnknownShortID
}

func (x *Index) BySession(sessionID string) (Entry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	short, ok := x.bySession[sessionID]
	if !ok {
		return Entry{}, false
	}
	return x.byShort[short], true
}

// Remove drops the entry for sessionID. It reports whether one existed.
func (x *Index) Remove(sessionID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	short, ok := x.bySession[sessionID]
	if !ok {
		return false
	}
	delete(x.bySession, sessionID)
	delete(x.byShort, short)
	return true
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byShort)
}

// Snapshot returns all entries ordered by short id.
func (x *Index) Snapshot() []Entry {
	x.mu.RLock()
	out := make([]Entry, 0, len(x.byShort))
	for _, e := range x.byShort {
		out = append(out, e)
	}
	x.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ShortID < out[j].ShortID })
	return out
}

func (x *Index) freshLocked() string {
	for {
		s := NewShortID()
		if _, taken := x.byShort[s]; !taken {
			return s
		}
	}
}

// NewShortID returns ShortIDLen random characters from [a-z0-9].
func NewShortID() string {
	var buf [ShortIDLen]byte
	// rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(buf[:])
	for i := range buf {
		buf[i] = alphabet[int(buf[i])%len(alphabet)]
	}
	return string(buf[:])
}

// ValidShortID reports whether s looks like a short id.
func ValidShortID(s string) bool {
	if len(s) != ShortIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
