package sessions

import (
	"sort"
	"sync"

	"github.com/IpsoVeritas/aquiles"
	"github.com/pkg/errors"
)

// Registry keeps the connected sessions of a sensor service by id.
type Registry struct {
	sessions map[string]aquiles.Session
	lock     *sync.RWMutex
}

func New() *Registry {
	return &Registry{
		sessions: make(map[string]aquiles.Session),
		lock:     &sync.RWMutex{},
	}
}

func (r *Registry) Get(id string) (aquiles.Session, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, aquiles.ErrSessionNotFound
	}

	return session, nil
}

func (r *Registry) Register(session aquiles.Session) error {
	if session == nil || session.ID() == "" {
		return errors.New("session must have an id")
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if _, exists := r.sessions[session.ID()]; exists {
		return errors.Errorf("session %s already registered", session.ID())
	}
	r.sessions[session.ID()] = session

	return nil
}

// Unregister removes session. A different session registered under the same id is
// left alone.
func (r *Registry) Unregister(session aquiles.Session) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	current, ok := r.sessions[session.ID()]
	if !ok || current != session {
		return aquiles.ErrSessionNotFound
	}
	delete(r.sessions, session.ID())

	return nil
}

// List returns the sessions ordered by id.
func (r *Registry) List() []aquiles.Session {
	r.lock.RLock()
	defer r.lock.RUnlock()

	list := make([]aquiles.Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		list = append(list, session)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID() < list[j].ID()
	})

	return list
}
