// Package metrics counts what purge and process units did and optionally pushes the counters
// to a Prometheus Pushgateway when the run ends.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/leakpurge/leakpurge/internal/report"
)

const (
	namespace = "leakpurge"

	defaultJob         = "leakpurge"
	defaultPushTimeout = 10 * time.Second
)

// ErrPushFailed is returned when the Pushgateway rejects the metrics.
var ErrPushFailed = errors.New("failed to push metrics")

type (
	// Recorder is a report.Reporter that turns unit reports into Prometheus metrics.
	Recorder struct {
		registry *prometheus.Registry
		pusher   *push.Pusher
		logger   *slog.Logger
		timeout  time.Duration

		records      *prometheus.CounterVec
		recovered    *prometheus.CounterVec
		discarded    *prometheus.CounterVec
		units        *prometheus.CounterVec
		unitDuration *prometheus.HistogramVec
	}

	// Option configures a Recorder.
	Option func(*Recorder)
)

// WithPushGateway pushes the collected metrics to url under job when the Recorder closes.
func WithPushGateway(url, job string) Option {
	return func(r *Recorder) {
		if url == "" {
			return
		}

		if job == "" {
			job = defaultJob
		}

		r.pusher = push.New(url, job).Gatherer(r.registry)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// New returns a Recorder backed by its own registry.
func New(opts ...Option) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		logger:   slog.Default(),
		timeout:  defaultPushTimeout,

		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records written, by stage and language",
		}, []string{"kind", "language"}),

		recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_lines_total",
			Help:      "Records rebuilt from lines split across physical lines",
		}, []string{"language"}),

		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_fragments_total",
			Help:      "Unparsable fragments dropped in lenient mode",
		}, []string{"language"}),

		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Finished units, by stage and status",
		}, []string{"kind", "status"}),

		unitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_duration_seconds",
			Help:      "Wall time of a unit",
			Buckets:   prometheus.ExponentialBuckets(0.5, 4, 8), // 0.5s to ~2.3h
		}, []string{"kind"}),
	}

	r.registry.MustRegister(r.records, r.recovered, r.discarded, r.units, r.unitDuration)

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Report records one finished unit.
func (r *Recorder) Report(_ context.Context, u report.UnitReport) error {
	r.units.WithLabelValues(string(u.Kind), string(u.Status)).Inc()
	r.unitDuration.WithLabelValues(string(u.Kind)).Observe(u.Duration().Seconds())

	if u.Status != report.StatusSucceeded {
		return nil
	}

	r.records.WithLabelValues(string(u.Kind), u.Language).Add(float64(u.Records))

	if u.Kind == report.KindPurge {
		r.recovered.WithLabelValues(u.Language).Add(float64(u.Recovered))
		r.discarded.WithLabelValues(u.Language).Add(float64(u.Discarded))
	}

	return nil
}

// Push sends the current metrics to the Pushgateway, if one is configured.
func (r *Recorder) Push(ctx context.Context) error {
	if r.pusher == nil {
		return nil
	}

	if err := r.pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrPushFailed, err)
	}

	r.logger.Debug("metrics pushed")

	return nil
}

// Close pushes the final values.
func (r *Recorder) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	return r.Push(ctx)
}
