// Package session keeps import sessions between HTTP requests and stores
// saved mapping templates.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JonMunkholm/dataimport/internal/core"
)

// DefaultTTL is how long an idle session is kept.
const DefaultTTL = time.Hour

// ErrTemplateNotFound is returned when deleting an unknown template.
var ErrTemplateNotFound = errors.New("mapping template not found")

// Store persists sessions and mapping templates. Get returns
// core.ErrSessionNotFound for unknown or expired sessions.
type Store interface {
	Save(ctx context.Context, sess *core.ImportSession) error
	Get(ctx context.Context, id string) (*core.ImportSession, error)
	Delete(ctx context.Context, id string) error

	SaveTemplate(ctx context.Context, t core.MappingTemplate) error
	Templates(ctx context.Context, entityType string) ([]core.MappingTemplate, error)
	DeleteTemplate(ctx context.Context, entityType, id string) error
}

// sortTemplates orders templates by name, then ID.
func sortTemplates(ts []core.MappingTemplate) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].Name != ts[j].Name {
			return ts[i].Name < ts[j].Name
		}
		return ts[i].ID < ts[j].ID
	})
}

// Memory is a process-local Store for single-instance deployments.
// Sessions are kept encoded, as in Redis, so every Get returns a copy
// that concurrent requests can change without sharing state.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	sessions  map[string]memoryEntry
	templates map[string]map[string]core.MappingTemplate
}

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// NewMemory returns an empty in-memory store. A ttl of zero means DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:       ttl,
		now:       time.Now,
		sessions:  make(map[string]memoryEntry),
		templates: make(map[string]map[string]core.MappingTemplate),
	}
}

func (m *Memory) Save(_ context.Context, sess *core.ImportSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweep()
	m.sessions[sess.ID] = memoryEntry{data: data, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*core.ImportSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok || !m.now().Before(e.expires) {
		delete(m.sessions, id)
		return nil, core.ErrSessionNotFound
	}
	e.expires = m.now().Add(m.ttl)
	m.sessions[id] = e

	var sess core.ImportSession
	if err := json.Unmarshal(e.data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// sweep drops expired sessions. Callers hold mu.
func (m *Memory) sweep() {
	now := m.now()
	for id, e := range m.sessions {
		if !now.Before(e.expires) {
			delete(m.sessions, id)
		}
	}
}

func (m *Memory) SaveTemplate(_ context.Context, t core.MappingTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.templates[t.EntityType]
	if !ok {
		byID = make(map[string]core.MappingTemplate)
		m.templates[t.EntityType] = byID
	}
	byID[t.ID] = t
	return nil
}

func (m *Memory) Templates(_ context.Context, entityType string) ([]core.MappingTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]core.MappingTemplate, 0, len(m.templates[entityType]))
	for _, t := range m.templates[entityType] {
		out = append(out, t)
	}
	sortTemplates(out)
	return out, nil
}

func (m *Memory) DeleteTemplate(_ context.Context, entityType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.templates[entityType][id]; !ok {
		return ErrTemplateNotFound
	}
	delete(m.templates[entityType], id)
	return nil
}
