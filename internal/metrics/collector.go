package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "alarm_gateway_"

// Collector records gateway activity as Prometheus metrics. It satisfies
// tcp.StatsRecorder.
type Collector struct {
	connectionsAccepted prometheus.Counter
	connectionsRejected prometheus.Counter
	sessionsActive      prometheus.Gauge
	sessionsClosed      *prometheus.CounterVec
	messagesReceived    *prometheus.CounterVec
	messagesProcessed   prometheus.Counter
	alarmsIngested      *prometheus.CounterVec

	registerer prometheus.Registerer
}

// NewCollector creates the gateway metrics and registers them with reg
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "connections_accepted_total",
			Help: "Total accepted device connections",
		}),
		connectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "connections_rejected_total",
			Help: "Total device connections rejected at the connection limit",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "sessions_active",
			Help: "Number of open device sessions",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "sessions_closed_total",
			Help: "Total closed sessions by terminal status",
		}, []string{"status"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "messages_received_total",
			Help: "Total inbound lines by kind",
		}, []string{"kind"}),
		messagesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "messages_processed_total",
			Help: "Total alarm and heartbeat lines handed to processing",
		}),
		alarmsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "alarms_ingested_total",
			Help: "Total alarm lines by ingestion result",
		}, []string{"result"}),
		registerer: reg,
	}

	collectors := []prometheus.Collector{
		c.connectionsAccepted,
		c.connectionsRejected,
		c.sessionsActive,
		c.sessionsClosed,
		c.messagesReceived,
		c.messagesProcessed,
		c.alarmsIngested,
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RegisterNotificationsDropped exposes the notification queue drop count
func (c *Collector) RegisterNotificationsDropped(dropped func() uint64) error {
	return c.registerer.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: metricPrefix + "notifications_dropped_total",
		Help: "Total notification events dropped because the queue was full or stopped",
	}, func() float64 {
		return float64(dropped())
	}))
}

func (c *Collector) ConnectionAccepted() { c.connectionsAccepted.Inc() }

func (c *Collector) ConnectionRejected() { c.connectionsRejected.Inc() }

func (c *Collector) SessionOpened() { c.sessionsActive.Inc() }

func (c *Collector) SessionClosed(status string) {
	c.sessionsActive.Dec()
	c.sessionsClosed.WithLabelValues(status).Inc()
}

// MessageReceived counts one inbound line. Alarm and heartbeat lines also
// count as processed.
func (c *Collector) MessageReceived(kind string) {
	c.messagesReceived.WithLabelValues(kind).Inc()
	if kind == "alarm" || kind == "heartbeat" {
		c.messagesProcessed.Inc()
	}
}

func (c *Collector) AlarmIngested(result string) {
	c.alarmsIngested.WithLabelValues(result).Inc()
}
