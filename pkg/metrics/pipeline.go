package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics tracks the reward pipeline from publish through settlement.
type PipelineMetrics struct {
	published    *prometheus.CounterVec
	processed    *prometheus.CounterVec
	verdicts     *prometheus.CounterVec
	issued       prometheus.Counter
	transactions *prometheus.CounterVec
	evalDuration prometheus.Histogram
}

// NewPipelineMetrics registers pipeline metrics on the provided registerer.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	if reg == nil {
		return &PipelineMetrics{}
	}
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_published_total",
		Help: "Activity events appended to the stream.",
	}, []string{"event_type"})
	processed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_processed_total",
		Help: "Stream entries processed by workers, by terminal status.",
	}, []string{"status"})
	verdicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fraud_verdicts_total",
		Help: "Fraud gate verdicts by decision.",
	}, []string{"decision"})
	issued := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rewards_issued_total",
		Help: "Reward transactions submitted to the chain adapter.",
	})
	transactions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_transactions_total",
		Help: "Reward transaction transitions by resulting status.",
	}, []string{"status"})
	evalDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rule_evaluation_duration_seconds",
		Help:    "Duration of rule engine evaluation per event.",
		Buckets: prometheus.DefBuckets,
	})
	reg.MustRegister(published, processed, verdicts, issued, transactions, evalDuration)
	return &PipelineMetrics{
		published:    published,
		processed:    processed,
		verdicts:     verdicts,
		issued:       issued,
		transactions: transactions,
		evalDuration: evalDuration,
	}
}

func (p *PipelineMetrics) IncPublished(eventType string) {
	if p == nil || p.published == nil {
		return
	}
	p.published.WithLabelValues(eventType).Inc()
}

func (p *PipelineMetrics) IncProcessed(status string) {
	if p == nil || p.processed == nil {
		return
	}
	p.processed.WithLabelValues(status).Inc()
}

func (p *PipelineMetrics) IncVerdict(decision string) {
	if p == nil || p.verdicts == nil {
		return
	}
	p.verdicts.WithLabelValues(decision).Inc()
}

func (p *PipelineMetrics) IncIssued() {
	if p == nil || p.issued == nil {
		return
	}
	p.issued.Inc()
}

func (p *PipelineMetrics) IncTransaction(status string) {
	if p == nil || p.transactions == nil {
		return
	}
	p.transactions.WithLabelValues(status).Inc()
}

func (p *PipelineMetrics) ObserveEvaluation(duration time.Duration) {
	if p == nil || p.evalDuration == nil {
		return
	}
	p.evalDuration.Observe(duration.Seconds())
}
