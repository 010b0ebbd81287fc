package types

import "time"

// SessionState is the lifecycle state of a session.
type SessionState string

// Session lifecycle states. Terminated is terminal; see Session.CanTransition.
const (
	SessionCreating   SessionState = "creating"
	SessionActive     SessionState = "active"
	SessionIdle       SessionState = "idle"
	SessionExpiring   SessionState = "expiring"
	SessionTerminated SessionState = "terminated"
)

// Session is an authenticated principal's bucket of work. It owns contexts,
// which own pages. The record is persisted by the session store.
type Session struct {
	ID       string         `json:"id"`
	UserID   string         `json:"userId"`
	Username string         `json:"username"`
	Roles    []string       `json:"roles"`
	Scopes   []string       `json:"scopes,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	State SessionState `json:"state"`

	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// CanTransition reports whether the state machine permits moving from the
// session's current state to next. Terminated accepts nothing.
func (s *Session) CanTransition(next SessionState) bool {
	if s.State == SessionTerminated {
		return false
	}
	if next == SessionTerminated {
		return true // any live state may terminate
	}
	switch s.State {
	case SessionCreating:
		return next == SessionActive
	case SessionActive:
		return next == SessionIdle || next == SessionExpiring
	case SessionIdle:
		return next == SessionActive || next == SessionExpiring
	case SessionExpiring:
		return next == SessionActive // touch rescues an expiring session
	default:
		return false
	}
}

// Expired reports whether the session's TTL has elapsed at the given time.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Clone returns a deep-enough copy safe to hand to callers; the maps and
// slices are copied so callers cannot mutate store state.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Roles = append([]string(nil), s.Roles...)
	cp.Scopes = append([]string(nil), s.Scopes...)
	if s.Metadata != nil {
		cp.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// SessionFilter narrows a session list operation.
type SessionFilter struct {
	UserID string
	IDs    []string
	States []SessionState
}

// Matches reports whether the session satisfies every set filter field.
func (f SessionFilter) Matches(s *Session) bool {
	if f.UserID != "" && s.UserID != f.UserID {
		return false
	}
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if id == s.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.States) > 0 {
		found := false
		for _, st := range f.States {
			if st == s.State {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ContextType distinguishes isolation levels inside a session.
type ContextType string

const (
	ContextDefault   ContextType = "default"
	ContextIncognito ContextType = "incognito"
)

// Context groups pages under a session; it is the isolation boundary.
type Context struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionId"`
	Type      ContextType `json:"type"`
	Status    string      `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
}
