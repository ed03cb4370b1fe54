package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/room4-2/voicerelay/gemini"
)

// MemoryLimit is the number of memory entries kept per session
const MemoryLimit = 50

// DefaultTimeout is the session lifetime measured from creation
const DefaultTimeout = 30 * time.Minute

// ErrNotFound is returned for unknown or expired session ids
var ErrNotFound = errors.New("session not found")

// State is the upstream connection state of a session
type State string

const (
	StateIdle         State = "IDLE"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateError        State = "ERROR"
	StateDisconnected State = "DISCONNECTED"
)

// MemoryEntry is one remembered conversation line
type MemoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is a client's logical conversation
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	Memory    []MemoryEntry
	State     State

	// Stream and Teardown are owned by the upstream proxy.
	Stream   gemini.Stream
	Teardown func() error
}

func (s *Session) clone() *Session {
	c := *s
	c.Memory = append([]MemoryEntry(nil), s.Memory...)
	return &c
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMirror mirrors session metadata to an external index
func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// Store holds every live session in memory. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	timeout  time.Duration
	now      func() time.Time
	mirror   Mirror
	onRemove func(*Session)
}

// NewStore creates a session store. Sessions expire timeout after creation.
func NewStore(timeout time.Duration, opts ...Option) *Store {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Store{
		sessions: make(map[string]*Session),
		timeout:  timeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Timeout returns the configured session lifetime
func (s *Store) Timeout() time.Duration {
	return s.timeout
}

// SetRemoveHook registers a callback run for every session removed by
// Delete or Sweep. It runs outside the store lock.
func (s *Store) SetRemoveHook(hook func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRemove = hook
}

func (s *Store) expired(sess *Session, now time.Time) bool {
	return !now.Before(sess.CreatedAt.Add(s.timeout))
}

// Create creates a new session with a fresh id
func (s *Store) Create(ctx context.Context, userID string) *Session {
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: s.now(),
		State:     StateIdle,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	snapshot := sess.clone()
	s.mu.Unlock()

	if s.mirror != nil {
		if err := s.mirror.Put(ctx, snapshot); err != nil {
			log.Printf("⚠️ [%s] Session mirror put failed: %v", ShortID(sess.ID), err)
		}
	}
	return snapshot
}

// Get returns a snapshot of the session. Expired sessions are absent even
// before the sweeper removes them.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok || s.expired(sess, s.now()) {
		return nil, false
	}
	return sess.clone(), true
}

// Update applies fn to the stored session under the store lock.
// It returns false if the session is unknown or expired.
func (s *Store) Update(id string, fn func(*Session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || s.expired(sess, s.now()) {
		return false
	}
	fn(sess)
	return true
}

// Detach applies fn to the stored session even if it has expired but not
// yet been swept. Teardown paths use it so an expired session's stream is
// still released.
func (s *Store) Detach(id string, fn func(*Session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	fn(sess)
	return true
}

// AppendMemory appends an entry, keeping only the most recent MemoryLimit
func (s *Store) AppendMemory(id, role, content string) bool {
	return s.Update(id, func(sess *Session) {
		sess.Memory = append(sess.Memory, MemoryEntry{Role: role, Content: content})
		if over := len(sess.Memory) - MemoryLimit; over > 0 {
			sess.Memory = append([]MemoryEntry(nil), sess.Memory[over:]...)
		}
	})
}

// Delete removes a session
func (s *Store) Delete(ctx context.Context, id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	hook := s.onRemove
	s.mu.Unlock()

	if !ok {
		return false
	}
	s.removed(ctx, sess, hook)
	return true
}

func (s *Store) removed(ctx context.Context, sess *Session, hook func(*Session)) {
	if hook != nil {
		hook(sess)
	}
	if s.mirror != nil {
		if err := s.mirror.Remove(ctx, sess.ID); err != nil {
			log.Printf("⚠️ [%s] Session mirror remove failed: %v", ShortID(sess.ID), err)
		}
	}
}

// Sweep removes every expired session and returns how many were removed
func (s *Store) Sweep(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var expired []*Session
	for id, sess := range s.sessions {
		if s.expired(sess, now) {
			expired = append(expired, sess)
			delete(s.sessions, id)
		}
	}
	hook := s.onRemove
	s.mu.Unlock()

	for _, sess := range expired {
		log.Printf("🧹 [%s] Session expired", ShortID(sess.ID))
		s.removed(ctx, sess, hook)
	}
	return len(expired)
}

// StartSweeper runs Sweep every interval until ctx is done
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Count returns the number of stored sessions, expired or not
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Shutdown removes every session, running the remove hook for each
func (s *Store) Shutdown(ctx context.Context) {
	s.mu.Lock()
	all := make([]*Session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		all = append(all, sess)
		delete(s.sessions, id)
	}
	hook := s.onRemove
	s.mu.Unlock()

	for _, sess := range all {
		s.removed(ctx, sess, hook)
	}
	if s.mirror != nil {
		_ = s.mirror.Close()
	}
}

// ShortID returns the log prefix form of a session id
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
