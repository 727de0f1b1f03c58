package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts worker outcomes. A nil *Metrics records nothing.
type Metrics struct {
	watchdogOutcomes  *prometheus.CounterVec
	sequencerOutcomes *prometheus.CounterVec
	blocksSent        prometheus.Counter
}

// NewMetrics creates the recovery counters and registers them with reg when it
// is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		watchdogOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nudgepipe_watchdog_outcomes_total",
			Help: "Inactivity watchdog executions by outcome.",
		}, []string{"outcome"}),
		sequencerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nudgepipe_sequencer_outcomes_total",
			Help: "Drip sequencer executions by outcome.",
		}, []string{"outcome"}),
		blocksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nudgepipe_blocks_sent_total",
			Help: "Message blocks delivered by the drip sequencer.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.watchdogOutcomes, m.sequencerOutcomes, m.blocksSent} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) watchdog(outcome string) {
	if m == nil {
		return
	}
	m.watchdogOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) sequencer(outcome string) {
	if m == nil {
		return
	}
	m.sequencerOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) sent(blocks int) {
	if m == nil || blocks <= 0 {
		return
	}
	m.blocksSent.Add(float64(blocks))
}
