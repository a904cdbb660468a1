package httpapi

import "sync"

// SessionRegistry is the one shared mutable structure of the delivery layer:
// topic -> live sessions. It is injected into the hub at construction so
// lifecycle and testability stay explicit, instead of living as package
// state.
type SessionRegistry struct {
	mu      sync.RWMutex
	byTopic map[string]map[*Session]struct{}
	byID    map[string]*Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byTopic: make(map[string]map[*Session]struct{}),
		byID:    make(map[string]*Session),
	}
}

func (r *SessionRegistry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	topic := s.Topic()
	set := r.byTopic[topic]
	if set == nil {
		set = make(map[*Session]struct{})
		r.byTopic[topic] = set
	}
	set[s] = struct{}{}
	r.byID[s.ID] = s
}

func (r *SessionRegistry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	topic := s.Topic()
	if set, ok := r.byTopic[topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(r.byTopic, topic)
		}
	}
	delete(r.byID, s.ID)
}

// ByTopic returns a snapshot of the sessions subscribed to a topic.
func (r *SessionRegistry) ByTopic(topic string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byTopic[topic]
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// All returns a snapshot of every live session.
func (r *SessionRegistry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
