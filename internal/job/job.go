// Package job holds one render request of a batch and the result record the
// lifecycle fills in for it.
package job

import (
	"sync"
	"time"
)

// Spec is the wire form of one job in an inbound batch request.
type Spec struct {
	Name     string         `json:"name"`
	Data     map[string]any `json:"data"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Job is one unit of work. Token, Name, Props and Metadata are fixed at
// creation; everything else is written by the lifecycle under mu.
type Job struct {
	Token    string
	Name     string
	Props    map[string]any
	Metadata map[string]any

	mu         sync.Mutex
	statusCode int
	duration   *time.Duration
	html       *string
	returnMeta map[string]any
	err        error
}

// New creates a Job seeded with status 200.
func New(token string, spec Spec) *Job {
	props := spec.Data
	if props == nil {
		props = map[string]any{}
	}
	return &Job{
		Token:      token,
		Name:       spec.Name,
		Props:      props,
		Metadata:   spec.Metadata,
		statusCode: 200,
		returnMeta: map[string]any{},
	}
}

func (j *Job) StatusCode() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.statusCode
}

func (j *Job) SetStatusCode(code int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.statusCode = code
}

// HTML returns the rendered output and whether any was produced.
func (j *Job) HTML() (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.html == nil {
		return "", false
	}
	return *j.html, true
}

func (j *Job) SetHTML(html string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.html = &html
}

// Duration returns the recorded render time and whether one was recorded.
func (j *Job) Duration() (time.Duration, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.duration == nil {
		return 0, false
	}
	return *j.duration, true
}

func (j *Job) SetDuration(d time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.duration = &d
}

// Err returns the error attached by Fail, if any.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Fail attaches err to the job. The status moves to 500 only when it is
// still 200, so a more specific status such as 404 survives.
func (j *Job) Fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.statusCode == 200 {
		j.statusCode = 500
	}
	j.err = err
}

// SetReturnMeta records a key that plugins want returned in the result meta.
func (j *Job) SetReturnMeta(key string, value any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.returnMeta[key] = value
}

// Field returns the named job attribute as plugins see it in their context.
func (j *Job) Field(key string) (any, bool) {
	switch key {
	case "name":
		return j.Name, true
	case "token":
		return j.Token, true
	case "props":
		return j.Props, true
	case "metadata":
		return j.Metadata, true
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	switch key {
	case "statusCode":
		return j.statusCode, true
	case "duration":
		if j.duration == nil {
			return nil, true
		}
		return milliseconds(*j.duration), true
	case "html":
		if j.html == nil {
			return nil, true
		}
		return *j.html, true
	case "returnMeta":
		return j.returnMeta, true
	case "error":
		return j.err, true
	}
	return nil, false
}

// Result is the per-job entry of a batch response.
type Result struct {
	Name       string           `json:"name"`
	HTML       *string          `json:"html"`
	Meta       map[string]any   `json:"meta"`
	Duration   *float64         `json:"duration"`
	StatusCode int              `json:"statusCode"`
	Success    bool             `json:"success"`
	Error      *SerializedError `json:"error"`
}

// Result snapshots the job into its response form. Success means output was
// produced.
func (j *Job) Result() Result {
	j.mu.Lock()
	defer j.mu.Unlock()

	res := Result{
		Name:       j.Name,
		Meta:       make(map[string]any, len(j.returnMeta)),
		StatusCode: j.statusCode,
		Success:    j.html != nil,
	}
	for k, v := range j.returnMeta {
		res.Meta[k] = v
	}
	if j.html != nil {
		html := *j.html
		res.HTML = &html
	}
	if j.duration != nil {
		ms := milliseconds(*j.duration)
		res.Duration = &ms
	}
	if j.err != nil {
		res.Error = SerializeError(j.err)
	}
	return res
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
