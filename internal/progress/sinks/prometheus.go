package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/KennyJian/red-book/internal/progress"
)

// PrometheusSink turns run events into run, item and merge collectors.
type PrometheusSink struct {
	runsStarted    prometheus.Counter
	runsCompleted  *prometheus.CounterVec
	runsActive     prometheus.Gauge
	runDuration    *prometheus.HistogramVec
	keywords       prometheus.Counter
	items          *prometheus.CounterVec
	commentsMerged prometheus.Counter
	authorsCreated prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg (the default
// registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_runs_started_total",
			Help: "Crawl runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_runs_completed_total",
			Help: "Crawl runs completed, labeled by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_runs_active",
			Help: "Crawl runs in progress.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
		}, []string{"result"}),
		keywords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_keywords_total",
			Help: "Keywords started across runs.",
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_items_total",
			Help: "Items handled, labeled by outcome.",
		}, []string{"outcome"}),
		commentsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_comments_merged_total",
			Help: "Comments merged into author records.",
		}),
		authorsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_authors_created_total",
			Help: "Author records created.",
		}),
		tracker: &runTracker{running: make(map[[16]byte]struct{})},
	}
	for _, c := range []prometheus.Collector{
		s.runsStarted, s.runsCompleted, s.runsActive, s.runDuration,
		s.keywords, s.items, s.commentsMerged, s.authorsCreated,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			if s.tracker.start(evt.RunID) {
				s.runsActive.Inc()
			}
		case progress.StageRunDone:
			s.finish(evt, "success")
		case progress.StageRunError:
			s.finish(evt, "error")
		case progress.StageKeywordStart:
			s.keywords.Inc()
		case progress.StageItemDone:
			s.items.WithLabelValues("done").Inc()
		case progress.StageItemSkipped:
			outcome := evt.Note
			if outcome == "" {
				outcome = "skipped"
			}
			s.items.WithLabelValues(outcome).Inc()
		case progress.StageMerge:
			s.commentsMerged.Inc()
			if evt.Created {
				s.authorsCreated.Inc()
			}
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsActive.Dec()
	}
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
