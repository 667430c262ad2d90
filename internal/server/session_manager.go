package server

import (
	"context"
	"sync"
)

// ActiveStream is one open websocket stream of a session.
type ActiveStream struct {
	SessionID string
	cancel    context.CancelFunc
}

// SessionManager tracks the live streams of each session so they can be
// cancelled when the session is deleted or the server stops.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]map[*ActiveStream]struct{}
}

// NewSessionManager creates a new SessionManager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]map[*ActiveStream]struct{}),
	}
}

// Open registers a stream for sessionID. The returned context is cancelled
// by Close, Remove or CloseAll.
func (sm *SessionManager) Open(parent context.Context, sessionID string) (context.Context, *ActiveStream) {
	ctx, cancel := context.WithCancel(parent)
	as := &ActiveStream{SessionID: sessionID, cancel: cancel}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	streams, ok := sm.sessions[sessionID]
	if !ok {
		streams = make(map[*ActiveStream]struct{})
		sm.sessions[sessionID] = streams
	}
	streams[as] = struct{}{}
	return ctx, as
}

// Close cancels and forgets one stream.
func (sm *SessionManager) Close(as *ActiveStream) {
	as.cancel()

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if streams, ok := sm.sessions[as.SessionID]; ok {
		delete(streams, as)
		if len(streams) == 0 {
			delete(sm.sessions, as.SessionID)
		}
	}
}

// Count returns the number of open streams of a session.
func (sm *SessionManager) Count(sessionID string) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions[sessionID])
}

// Remove cancels every stream of a session.
func (sm *SessionManager) Remove(sessionID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for as := range sm.sessions[sessionID] {
		as.cancel()
	}
	delete(sm.sessions, sessionID)
}

// CloseAll cancels all streams.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for id, streams := range sm.sessions {
		for as := range streams {
			as.cancel()
		}
		delete(sm.sessions, id)
	}
}
