package plugin

import (
	"net/http"
	"sync"

	"github.com/specialistvlad/rendergrid/internal/job"
)

// Store is a key/value scratch space. The batch manager gives every plugin
// its own Store per batch, and one shared Store for batch metadata.
type Store struct {
	mu sync.RWMutex
	m  map[string]any
}

func NewStore() *Store {
	return &Store{m: make(map[string]any)}
}

func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Context is what a hook receives. A job-scoped context has Token and Job
// set; a batch-scoped one has Tokens and Jobs instead.
type Context struct {
	Request *http.Request
	BatchID string
	// BatchMeta is shared by every plugin of the batch.
	BatchMeta *Store

	Token string
	Job   *job.Job

	Tokens []string
	Jobs   map[string]*job.Job

	// Data is private to the plugin the context was built for.
	Data *Store
}

// IsJob reports whether the context is scoped to a single job.
func (c *Context) IsJob() bool { return c.Job != nil }

// Value looks key up in the plugin's scratch store, then in the job or batch
// view, then in the request metadata.
func (c *Context) Value(key string) (any, bool) {
	if c.Data != nil {
		if v, ok := c.Data.Get(key); ok {
			return v, true
		}
	}

	if c.Job != nil {
		if v, ok := c.Job.Field(key); ok {
			return v, true
		}
	} else {
		switch key {
		case "tokens":
			return c.Tokens, true
		case "jobs":
			return c.Jobs, true
		}
	}

	switch key {
	case "request":
		return c.Request, true
	case "batchId":
		return c.BatchID, true
	case "batchMeta":
		return c.BatchMeta, true
	}
	return nil, false
}
