package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_mails_sent_total",
			Help: "Total mails delivered across all campaigns",
		},
	)

	MailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_mail_failures_total",
			Help: "Total per-recipient delivery failures",
		},
	)

	DispatchRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_dispatch_runs_total",
			Help: "Dispatch runs by terminal result",
		},
		[]string{"result"},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "campaign_dispatch_duration_seconds",
			Help:    "Wall-clock duration of dispatch runs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)
)

func Init() {
	prometheus.MustRegister(MailsSent)
	prometheus.MustRegister(MailFailures)
	prometheus.MustRegister(DispatchRuns)
	prometheus.MustRegister(DispatchDuration)
}
