package tunnel

import "fmt"

// SessionKeystore maps tunnel ids to auth module session ids.
type SessionKeystore struct {
	sessions map[uint32]uint16
}

// NewSessionKeystore returns an empty keystore.
func NewSessionKeystore() *SessionKeystore {
	return &SessionKeystore{sessions: make(map[uint32]uint16)}
}

// Set records the session of tunnelID, replacing any previous one.
func (k *SessionKeystore) Set(tunnelID uint32, sessionID uint16) {
	k.sessions[tunnelID] = sessionID
}

// Get returns the session of tunnelID. Callers must check Has first; Get
// panics on an unknown tunnel.
func (k *SessionKeystore) Get(tunnelID uint32) uint16 {
	sid, ok := k.sessions[tunnelID]
	if !ok {
		panic(fmt.Sprintf("tunnel: no session for tunnel %d", tunnelID))
	}
	return sid
}

// Has reports whether tunnelID has a session.
func (k *SessionKeystore) Has(tunnelID uint32) bool {
	_, ok := k.sessions[tunnelID]
	return ok
}

// Remove forgets the session of tunnelID. It does not end the session.
func (k *SessionKeystore) Remove(tunnelID uint32) {
	delete(k.sessions, tunnelID)
}

// Len returns the number of tunnels with a session.
func (k *SessionKeystore) Len() int {
	return len(k.sessions)
}
