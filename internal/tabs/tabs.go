// Package tabs arbitrates tab ownership. A browser tab accepts a single
// debugger attachment, so at most one peer may hold attached=true per tab at
// any time. Ownership transfers only through explicit release, an explicit
// forced takeover, or owner disconnect, never silently.
package tabs

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tabbridge/tabbridge/internal/fault"
)

// Session is the ownership record for one browser tab.
type Session struct {
	TabID          string    `json:"tabId"`
	OwnerPeerID    string    `json:"ownerPeerId,omitempty"`
	Attached       bool      `json:"attached"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Registry tracks which peer, if any, owns each tab. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	log      *logrus.Entry
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logrus.Entry) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		log:      log,
	}
}

// Acquire claims tabID for peerID. It succeeds when the tab is unowned or
// already owned by the same peer. A different owner yields fault.Conflict
// unless force is set, in which case the previous owner is released first.
// On a forced takeover the previous owner's id is returned so the caller can
// notify it.
func (r *Registry) Acquire(tabID, peerID string, force bool) (prevOwner string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[tabID]
	if s == nil {
		s = &Session{TabID: tabID}
		r.sessions[tabID] = s
	}

	switch {
	case !s.Attached || s.OwnerPeerID == peerID:
		// Unowned, or re-acquire by the current owner.
	case force:
		prevOwner = s.OwnerPeerID
		r.log.WithFields(logrus.Fields{"tab": tabID, "from": prevOwner, "to": peerID}).
			Info("forced tab takeover")
	default:
		return "", fault.Newf(fault.Conflict, "tab %s is attached to peer %s", tabID, s.OwnerPeerID).
			WithNext("use a different tab, or acquire with force:true to take it over")
	}

	s.OwnerPeerID = peerID
	s.Attached = true
	s.LastActivityAt = time.Now()
	return prevOwner, nil
}

// Release clears ownership of tabID when peerID currently owns it; otherwise
// it is a no-op.
func (r *Registry) Release(tabID, peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[tabID]
	if s == nil || s.OwnerPeerID != peerID {
		return
	}
	s.OwnerPeerID = ""
	s.Attached = false
	s.LastActivityAt = time.Now()
}

// ReleaseAllForPeer releases every tab owned by peerID and returns the tab ids
// that were released. Called on peer disconnect.
func (r *Registry) ReleaseAllForPeer(peerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var released []string
	for id, s := range r.sessions {
		if s.Attached && s.OwnerPeerID == peerID {
			s.OwnerPeerID = ""
			s.Attached = false
			s.LastActivityAt = time.Now()
			released = append(released, id)
		}
	}
	return released
}

// ReleaseAll clears every ownership record. Called when the extension link
// leaves CONNECTED: the browser side has dropped all debugger attachments.
func (r *Registry) ReleaseAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, s := range r.sessions {
		if s.Attached {
			s.OwnerPeerID = ""
			s.Attached = false
			s.LastActivityAt = time.Now()
			n++
		}
	}
	return n
}

// Owner returns the current owner of tabID, if any.
func (r *Registry) Owner(tabID string) (peerID string, attached bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[tabID]
	if s == nil || !s.Attached {
		return "", false
	}
	return s.OwnerPeerID, true
}

// Touch bumps the activity timestamp for a tab the peer owns.
func (r *Registry) Touch(tabID, peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.sessions[tabID]; s != nil && s.OwnerPeerID == peerID {
		s.LastActivityAt = time.Now()
	}
}

// Drop removes the session record entirely. Called when the tab closes.
func (r *Registry) Drop(tabID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, tabID)
}

// List returns a snapshot of all session records.
func (r *Registry) List() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}
