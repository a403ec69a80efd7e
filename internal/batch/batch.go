// Package batch owns the jobs of one inbound request: their contexts, their
// rendering and the assembled response.
package batch

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/specialistvlad/rendergrid/internal/job"
	"github.com/specialistvlad/rendergrid/internal/plugin"
	"github.com/specialistvlad/rendergrid/internal/registry"
)

// GetComponent resolves a component name to a renderer, or nil when the
// name is not registered.
type GetComponent func(ctx context.Context, name string, j *job.Job) registry.Renderer

// Config is shared by every batch a worker handles.
type Config struct {
	// Plugins must be comparable values, normally pointers.
	Plugins      []plugin.Plugin
	GetComponent GetComponent
}

// Manager holds the state of one batch.
type Manager struct {
	ID string

	request *http.Request
	cfg     Config
	tokens  []string
	jobs    map[string]*job.Job
	meta    *plugin.Store
	stores  map[plugin.Plugin]*plugin.Store

	mu         sync.Mutex
	err        error
	statusCode int
}

// New creates a Manager for jobs. Every job starts with status 200, and every
// plugin gets its own empty scratch store.
func New(r *http.Request, jobs map[string]job.Spec, cfg Config) *Manager {
	m := &Manager{
		ID:         uuid.NewString(),
		request:    r,
		cfg:        cfg,
		tokens:     make([]string, 0, len(jobs)),
		jobs:       make(map[string]*job.Job, len(jobs)),
		meta:       plugin.NewStore(),
		stores:     make(map[plugin.Plugin]*plugin.Store, len(cfg.Plugins)),
		statusCode: http.StatusOK,
	}
	for token, spec := range jobs {
		m.tokens = append(m.tokens, token)
		m.jobs[token] = job.New(token, spec)
	}
	sort.Strings(m.tokens)
	for _, p := range cfg.Plugins {
		m.stores[p] = plugin.NewStore()
	}
	return m
}

// Plugins returns the plugins of the batch in registration order.
func (m *Manager) Plugins() []plugin.Plugin { return m.cfg.Plugins }

// Tokens returns the job tokens in sorted order.
func (m *Manager) Tokens() []string { return m.tokens }

// Job returns the job for token, or nil.
func (m *Manager) Job(token string) *job.Job { return m.jobs[token] }

// ContextFor builds the context p sees. With a token it is scoped to that
// job; with an empty token it is the batch view.
func (m *Manager) ContextFor(p plugin.Plugin, token string) *plugin.Context {
	pc := &plugin.Context{
		Request:   m.request,
		BatchID:   m.ID,
		BatchMeta: m.meta,
		Data:      m.stores[p],
	}
	if pc.Data == nil {
		pc.Data = plugin.NewStore()
	}
	if j, ok := m.jobs[token]; ok && token != "" {
		pc.Token = token
		pc.Job = j
		return pc
	}
	pc.Tokens = m.tokens
	pc.Jobs = m.jobs
	return pc
}

// Render runs the component of the job for token and stores its output. The
// duration is recorded whether or not rendering succeeds.
func (m *Manager) Render(ctx context.Context, token string) error {
	j, ok := m.jobs[token]
	if !ok {
		return fmt.Errorf("batch: unknown job token %q", token)
	}

	start := time.Now()
	var renderer registry.Renderer
	if m.cfg.GetComponent != nil {
		renderer = m.cfg.GetComponent(ctx, j.Name, j)
	}
	if renderer == nil {
		j.SetStatusCode(http.StatusNotFound)
		j.SetDuration(time.Since(start))
		return &ComponentNotFoundError{Name: j.Name}
	}

	html, err := renderer.Render(ctx, j.Props)
	j.SetDuration(time.Since(start))
	if err != nil {
		return err
	}
	if html == "" {
		return &EmptyRenderResultError{Name: j.Name}
	}
	j.SetHTML(html)
	return nil
}

// RecordError attaches err to the job for token, or to the batch when token
// is empty or unknown.
func (m *Manager) RecordError(err error, token string) {
	if j, ok := m.jobs[token]; ok && token != "" {
		j.Fail(err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	m.statusCode = http.StatusInternalServerError
}

// Err returns the batch-level error, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// StatusCode is the HTTP status of the response. Job failures do not
// change it.
func (m *Manager) StatusCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCode
}

// Result returns the response entry for token.
func (m *Manager) Result(token string) (job.Result, bool) {
	j, ok := m.jobs[token]
	if !ok {
		return job.Result{}, false
	}
	return j.Result(), true
}

// Response is the body returned for a batch.
type Response struct {
	Success bool                  `json:"success"`
	Error   *job.SerializedError  `json:"error"`
	Results map[string]job.Result `json:"results"`
}

// Results assembles the response.
func (m *Manager) Results() Response {
	err := m.Err()
	res := Response{
		Success: err == nil,
		Error:   job.SerializeError(err),
		Results: make(map[string]job.Result, len(m.jobs)),
	}
	for _, token := range m.tokens {
		res.Results[token] = m.jobs[token].Result()
	}
	return res
}
