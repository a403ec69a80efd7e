// Package metrics exposes render counters and latencies in the Prometheus
// text format on a worker route.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/specialistvlad/rendergrid/internal/batch"
	"github.com/specialistvlad/rendergrid/internal/plugin"
)

const batchStartKey = "metrics.batch_start"

// unregisteredLabel replaces the component label of jobs naming a component
// that is not registered. Job names come from request bodies.
const unregisteredLabel = "unregistered"

// Module registers the "metrics" plugin.
type Module struct{}

// Input is the body of a `plugin "metrics" {}` block.
type Input struct {
	Path      string `hcl:"path,optional"`
	Namespace string `hcl:"namespace,optional"`
	// Runtime adds the Go runtime and process collectors.
	Runtime *bool `hcl:"runtime,optional"`
}

// Plugin records batch and job outcomes.
type Plugin struct {
	path     string
	registry *prometheus.Registry

	batches       *prometheus.CounterVec
	batchDuration prometheus.Histogram
	inFlight      prometheus.Gauge
	jobs          *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
}

// New builds the plugin from its config block.
func New(_ context.Context, body hcl.Body) (plugin.Plugin, error) {
	var in Input
	if err := plugin.DecodeBody(body, &in); err != nil {
		return nil, err
	}
	if in.Path == "" {
		in.Path = "/metrics"
	}
	if in.Namespace == "" {
		in.Namespace = "rendergrid"
	}

	p := &Plugin{
		path:     in.Path,
		registry: prometheus.NewRegistry(),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: in.Namespace,
			Name:      "batches_total",
			Help:      "Total number of batches processed",
		}, []string{"status"}), // status: success, error
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: in.Namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time from batch start to batch end",
			Buckets:   prometheus.DefBuckets,
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: in.Namespace,
			Name:      "batches_in_flight",
			Help:      "Batches currently being processed by this worker",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: in.Namespace,
			Name:      "jobs_total",
			Help:      "Total number of jobs processed",
		}, []string{"component", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: in.Namespace,
			Name:      "render_duration_seconds",
			Help:      "Time spent rendering a component",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component"}),
	}

	cs := []prometheus.Collector{p.batches, p.batchDuration, p.inFlight, p.jobs, p.jobDuration}
	if in.Runtime == nil || *in.Runtime {
		cs = append(cs,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	for _, c := range cs {
		if err := p.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Plugin) Name() string { return "metrics" }

// Gatherer exposes the plugin's registry.
func (p *Plugin) Gatherer() prometheus.Gatherer { return p.registry }

// Routes mounts the scrape endpoint.
func (p *Plugin) Routes(mux *http.ServeMux) {
	mux.Handle("GET "+p.path, promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}

func (p *Plugin) BatchStart(_ context.Context, pc *plugin.Context) error {
	p.inFlight.Inc()
	pc.Data.Set(batchStartKey, time.Now())
	return nil
}

func (p *Plugin) BatchEnd(_ context.Context, pc *plugin.Context) error {
	p.finishBatch(pc, "success")
	return nil
}

func (p *Plugin) JobEnd(_ context.Context, pc *plugin.Context) error {
	p.observeJob(pc, "success")
	return nil
}

// OnError counts a failed job, or closes a failed batch.
func (p *Plugin) OnError(pc *plugin.Context, _ error) {
	if pc.IsJob() {
		p.observeJob(pc, "error")
		return
	}
	p.finishBatch(pc, "error")
}

func (p *Plugin) observeJob(pc *plugin.Context, status string) {
	name := pc.Job.Name
	if errors.Is(pc.Job.Err(), batch.ErrComponentNotFound) {
		name = unregisteredLabel
	}
	p.jobs.WithLabelValues(name, status).Inc()
	if d, ok := pc.Job.Duration(); ok {
		p.jobDuration.WithLabelValues(name).Observe(d.Seconds())
	}
}

func (p *Plugin) finishBatch(pc *plugin.Context, status string) {
	v, ok := pc.Data.Get(batchStartKey)
	if !ok {
		// batchStart of this plugin never ran.
		return
	}
	pc.Data.Delete(batchStartKey)
	p.inFlight.Dec()
	p.batches.WithLabelValues(status).Inc()
	p.batchDuration.Observe(time.Since(v.(time.Time)).Seconds())
}

// Register adds the plugin factory to the catalog.
func (m *Module) Register(c *plugin.Catalog) {
	c.Register("metrics", New)
}
