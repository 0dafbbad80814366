package tickframe

import (
	"sync"
)

// Subject is a handle for something that produces one frame per tick.
type Subject interface {
	ID() string
}

// SubjectID is the simplest Subject: the id itself.
type SubjectID string

func (s SubjectID) ID() string { return string(s) }

// Roster reports which subjects are active when a tick starts.
type Roster interface {
	ActiveSubjects() []Subject
}

// RosterFunc adapts a function to Roster.
type RosterFunc func() []Subject

func (f RosterFunc) ActiveSubjects() []Subject { return f() }

// Presence is a Roster maintained by explicit join and leave calls, listing
// subjects in join order.
type Presence struct {
	mu       sync.RWMutex
	order    []string
	subjects map[string]Subject
}

func NewPresence() *Presence {
	return &Presence{subjects: make(map[string]Subject)}
}

// Join adds or replaces a subject and reports whether it was new.
func (p *Presence) Join(s Subject) bool {
	if s == nil || s.ID() == "" {
		return false
	}
	id := s.ID()
	p.mu.Lock()
	defer p.mu.Unlock()
	_, exists := p.subjects[id]
	p.subjects[id] = s
	if !exists {
		p.order = append(p.order, id)
	}
	return !exists
}

// Leave removes a subject and reports whether it was present.
func (p *Presence) Leave(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subjects[id]; !ok {
		return false
	}
	delete(p.subjects, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the handle of an active subject.
func (p *Presence) Get(id string) (Subject, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.subjects[id]
	return s, ok
}

func (p *Presence) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

func (p *Presence) ActiveSubjects() []Subject {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Subject, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.subjects[id])
	}
	return out
}
