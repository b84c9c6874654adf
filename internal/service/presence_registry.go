package service

import (
	"sort"
	"sync"
	"time"

	"github.com/parley-chat/parley-api/internal/dto"
)

// presenceRegistry tracks which users hold at least one live
// connection. Coarse and global: no per-room scoping, just a set.
type presenceRegistry struct {
	mu     sync.Mutex
	counts map[string]int
}

// connect records a connection and reports whether the online set
// changed (first connection for this user).
func (p *presenceRegistry) connect(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.counts[userID]++
	return p.counts[userID] == 1
}

// disconnect removes a connection and reports whether the online set
// changed (last connection for this user).
func (p *presenceRegistry) disconnect(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.counts[userID] <= 1 {
		delete(p.counts, userID)
		return true
	}
	p.counts[userID]--
	return false
}

func (p *presenceRegistry) online() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	users := make([]string, 0, len(p.counts))
	for userID := range p.counts {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// typingRegistry stores the latest composing signal per (room, user).
// Each active signal carries a timer; if no stop arrives before the
// soft timeout the registry synthesises one, so a lost stop signal can
// never leave a permanent "is typing" indicator.
type typingRegistry struct {
	mu      sync.Mutex
	idle    time.Duration
	expired func(dto.TypingEvent)
	entries map[string]map[string]*typingEntry
}

type typingEntry struct {
	displayName string
	timer       *time.Timer
}

// newTypingRegistry builds the registry. idle is the soft timeout;
// expired is invoked with the synthesized stop signal when it fires.
func newTypingRegistry(idle time.Duration, expired func(dto.TypingEvent)) *typingRegistry {
	if idle <= 0 {
		idle = defaultTypingIdleTimeout
	}
	return &typingRegistry{
		idle:    idle,
		expired: expired,
		entries: make(map[string]map[string]*typingEntry),
	}
}

// set applies a signal, superseding any previous one for the same
// (room, user) pair.
func (t *typingRegistry) set(signal dto.TypingEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !signal.IsTyping {
		t.remove(signal.RoomID, signal.UserID)
		return
	}

	room, ok := t.entries[signal.RoomID]
	if !ok {
		room = make(map[string]*typingEntry)
		t.entries[signal.RoomID] = room
	}

	if entry, exists := room[signal.UserID]; exists {
		entry.displayName = signal.DisplayName
		entry.timer.Reset(t.idle)
		return
	}

	roomID, userID, name := signal.RoomID, signal.UserID, signal.DisplayName
	room[userID] = &typingEntry{
		displayName: name,
		timer: time.AfterFunc(t.idle, func() {
			t.expire(roomID, userID, name)
		}),
	}
}

func (t *typingRegistry) expire(roomID, userID, displayName string) {
	t.mu.Lock()
	removed := t.remove(roomID, userID)
	t.mu.Unlock()

	if removed && t.expired != nil {
		t.expired(dto.TypingEvent{
			RoomID:      roomID,
			UserID:      userID,
			DisplayName: displayName,
			IsTyping:    false,
		})
	}
}

// clear drops the user's signal in one room, returning the stop events
// to broadcast.
func (t *typingRegistry) clear(roomID, userID string) []dto.TypingEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[roomID][userID]
	if !ok {
		return nil
	}
	name := entry.displayName
	t.remove(roomID, userID)

	return []dto.TypingEvent{{RoomID: roomID, UserID: userID, DisplayName: name, IsTyping: false}}
}

// clearUser drops every signal a user holds across rooms; called on
// disconnect so no dangling entries survive the connection.
func (t *typingRegistry) clearUser(userID string) []dto.TypingEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stops []dto.TypingEvent
	for roomID, room := range t.entries {
		if entry, ok := room[userID]; ok {
			stops = append(stops, dto.TypingEvent{
				RoomID:      roomID,
				UserID:      userID,
				DisplayName: entry.displayName,
				IsTyping:    false,
			})
			t.remove(roomID, userID)
		}
	}
	return stops
}

// remove assumes the lock is held. Reports whether an entry existed.
func (t *typingRegistry) remove(roomID, userID string) bool {
	room, ok := t.entries[roomID]
	if !ok {
		return false
	}
	entry, ok := room[userID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(room, userID)
	if len(room) == 0 {
		delete(t.entries, roomID)
	}
	return true
}
