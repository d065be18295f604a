package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	EnqueuedJobs  prometheus.Counter
	ProcessedJobs prometheus.Counter
	FailedJobs    prometheus.Counter
	UpdatesTotal  prometheus.Counter

	ChatTurns        *prometheus.CounterVec
	RunPolls         prometheus.Counter
	RunDuration      prometheus.Histogram
	FilesIngested    *prometheus.CounterVec
	AssistantUpserts *prometheus.CounterVec
	CascadeDeletes   *prometheus.CounterVec
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = New()
		prometheus.MustRegister(
			global.EnqueuedJobs,
			global.ProcessedJobs,
			global.FailedJobs,
			global.UpdatesTotal,
			global.ChatTurns,
			global.RunPolls,
			global.RunDuration,
			global.FilesIngested,
			global.AssistantUpserts,
			global.CascadeDeletes,
		)
	})
	return global
}

// New builds an unregistered set, for tests and for callers with their own registry.
func New() *Metrics {
	return &Metrics{
		EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "assistantbridge",
			Name:      "queue_enqueued_total",
			Help:      "Total chat jobs enqueued to redis stream",
		}),
		ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "assistantbridge",
			Name:      "queue_processed_total",
			Help:      "Total chat jobs successfully processed",
		}),
		FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "assistantbridge",
			Name:      "queue_failed_total",
			Help:      "Total chat jobs failed during processing",
		}),
		UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "assistantbridge",
			Name:      "telegram_updates_total",
			Help:      "Total telegram updates received",
		}),
		ChatTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "assistantbridge",
			Name:      "chat_turns_total",
			Help:      "Conversation turns by outcome",
		}, []string{"outcome"}),
		RunPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "assistantbridge",
			Name:      "run_polls_total",
			Help:      "Run status polls issued",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "assistantbridge",
			Name:      "run_duration_seconds",
			Help:      "Time from run creation to a terminal status",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 45, 60, 90},
		}),
		FilesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "assistantbridge",
			Name:      "files_ingested_total",
			Help:      "Files processed by the ingestion pipeline by result",
		}, []string{"result"}),
		AssistantUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "assistantbridge",
			Name:      "assistant_upserts_total",
			Help:      "Assistant create or update attempts by result",
		}, []string{"result"}),
		CascadeDeletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "assistantbridge",
			Name:      "cascade_deletes_total",
			Help:      "Remote deletes issued during configuration teardown by result",
		}, []string{"result"}),
	}
}
