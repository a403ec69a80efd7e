package worker

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/specialistvlad/rendergrid/internal/batch"
	"github.com/specialistvlad/rendergrid/internal/ctxlog"
	"github.com/specialistvlad/rendergrid/internal/job"
	"github.com/specialistvlad/rendergrid/internal/plugin"
)

// Handler returns the worker's HTTP handler: the batch endpoint, the health
// and readiness probes and every plugin route.
func (w *Worker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+w.cfg.Endpoint, w.handleBatch)
	mux.HandleFunc("GET /health", w.handleHealth)
	mux.HandleFunc("GET /ready", w.handleReady)
	for _, p := range w.orch.Plugins() {
		if r, ok := p.(plugin.Router); ok {
			r.Routes(mux)
			w.logger.Debug("Mounted plugin routes.", "plugin", p.Name())
		}
	}
	return w.recoverFatal(mux)
}

func (w *Worker) handleBatch(rw http.ResponseWriter, r *http.Request) {
	if w.State() == StateClosing {
		w.logger.Info("Starting request when closing!")
	}

	jobs, err := decodeJobs(rw, r, w.cfg.BodyLimit)
	if err != nil {
		w.handleRequestError(rw, r, err)
		return
	}

	m := batch.New(r, jobs, w.batchCfg)
	ctx := ctxlog.WithLogger(r.Context(), w.logger)
	w.logger.Debug("Processing batch.", "batch_id", m.ID, "jobs", len(jobs))
	w.orch.ProcessBatch(ctx, m)

	if w.State() == StateClosing {
		w.logger.Info("Ending request when closing!")
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.Header().Set("X-Batch-Id", m.ID)
	rw.WriteHeader(m.StatusCode())
	if err := json.NewEncoder(rw).Encode(m.Results()); err != nil {
		w.logger.Warn("Failed to write batch response.", "batch_id", m.ID, "error", err)
	}
}

// decodeJobs reads the request body as token -> job. An empty body is an
// empty batch.
func decodeJobs(rw http.ResponseWriter, r *http.Request, limit int64) (map[string]job.Spec, error) {
	body := http.MaxBytesReader(rw, r.Body, limit)
	defer body.Close()

	jobs := map[string]job.Spec{}
	if err := json.NewDecoder(body).Decode(&jobs); err != nil {
		if errors.Is(err, io.EOF) {
			return jobs, nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &RequestParseError{Status: http.StatusRequestEntityTooLarge, Err: err}
		}
		return nil, &RequestParseError{Status: http.StatusBadRequest, Err: err}
	}
	return jobs, nil
}

func (w *Worker) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	writeStatus(rw, http.StatusOK, w.State())
}

func (w *Worker) handleReady(rw http.ResponseWriter, _ *http.Request) {
	if !w.Ready() {
		writeStatus(rw, http.StatusServiceUnavailable, w.State())
		return
	}
	writeStatus(rw, http.StatusOK, w.State())
}

func writeStatus(rw http.ResponseWriter, code int, state State) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(map[string]string{"state": state.String()})
}
