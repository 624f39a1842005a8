package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CallOutcomeCounter returns call counts grouped by lifecycle status.
type CallOutcomeCounter interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// RecordingCounter returns the number of calls with a stored recording.
type RecordingCounter interface {
	CountRecorded(ctx context.Context) (int64, error)
}

// ConversationCounter exposes the number of live interactive conversations.
type ConversationCounter interface {
	ActiveConversations() int
}

// QueueDepthProvider exposes the upstream notification backlog.
type QueueDepthProvider interface {
	QueueDepth() int
}

// Collector is a prometheus.Collector that gathers Storycall metrics at scrape time.
type Collector struct {
	calls         CallOutcomeCounter
	recordings    RecordingCounter
	conversations ConversationCounter
	notifyQueue   QueueDepthProvider
	startTime     time.Time

	// Metric descriptors.
	callsTotalDesc    *prometheus.Desc
	recordingsDesc    *prometheus.Desc
	conversationsDesc *prometheus.Desc
	notifyQueueDesc   *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	calls CallOutcomeCounter,
	recordings RecordingCounter,
	conversations ConversationCounter,
	notifyQueue QueueDepthProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		calls:         calls,
		recordings:    recordings,
		conversations: conversations,
		notifyQueue:   notifyQueue,
		startTime:     startTime,

		callsTotalDesc: prometheus.NewDesc(
			"storycall_calls_total",
			"Total number of calls by lifecycle status",
			[]string{"status"}, nil,
		),
		recordingsDesc: prometheus.NewDesc(
			"storycall_recordings_stored",
			"Number of calls with a stored recording",
			nil, nil,
		),
		conversationsDesc: prometheus.NewDesc(
			"storycall_active_conversations",
			"Number of live interactive conversations",
			nil, nil,
		),
		notifyQueueDesc: prometheus.NewDesc(
			"storycall_notification_queue_depth",
			"Upstream notification events awaiting delivery",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"storycall_uptime_seconds",
			"Seconds since the Storycall process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.callsTotalDesc
	ch <- c.recordingsDesc
	ch <- c.conversationsDesc
	ch <- c.notifyQueueDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Call volume counters by status.
	if c.calls != nil {
		counts, err := c.calls.CountByStatus(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by status", "error", err)
		} else {
			for status, n := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(n), status,
				)
			}
		}
	}

	// Stored recordings gauge.
	if c.recordings != nil {
		count, err := c.recordings.CountRecorded(ctx)
		if err != nil {
			slog.Error("metrics: failed to count recordings", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.recordingsDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	// Live conversation gauge.
	if c.conversations != nil {
		ch <- prometheus.MustNewConstMetric(
			c.conversationsDesc, prometheus.GaugeValue,
			float64(c.conversations.ActiveConversations()),
		)
	}

	// Notification backlog gauge.
	if c.notifyQueue != nil {
		ch <- prometheus.MustNewConstMetric(
			c.notifyQueueDesc, prometheus.GaugeValue,
			float64(c.notifyQueue.QueueDepth()),
		)
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
