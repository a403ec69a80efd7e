package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SleeperRenderer is a shared renderer for concurrency tests. It records the
// execution time of each render, keyed by the "id" prop.
type SleeperRenderer struct {
	ExecutionTimes map[string]*ExecutionRecord
	mu             sync.Mutex
	sleepDuration  time.Duration
}

// NewSleeperRenderer creates a renderer that sleeps for sleep on every call.
func NewSleeperRenderer(sleep time.Duration) *SleeperRenderer {
	return &SleeperRenderer{
		ExecutionTimes: make(map[string]*ExecutionRecord),
		sleepDuration:  sleep,
	}
}

// Render sleeps, records the call and returns a marker element.
func (s *SleeperRenderer) Render(ctx context.Context, props map[string]any) (string, error) {
	id := fmt.Sprint(props["id"])

	startTime := time.Now()
	select {
	case <-time.After(s.sleepDuration):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	endTime := time.Now()

	s.mu.Lock()
	s.ExecutionTimes[id] = &ExecutionRecord{Start: startTime, End: endTime}
	s.mu.Unlock()

	return fmt.Sprintf("<slept id=%q/>", id), nil
}

// Record returns the execution record for id.
func (s *SleeperRenderer) Record(id string) (ExecutionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ExecutionTimes[id]
	if !ok {
		return ExecutionRecord{}, false
	}
	return *r, true
}
