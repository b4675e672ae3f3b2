package runtime

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/abe/provider"
)

// Message outcomes recorded by Metrics.
const (
	OutcomeSuccess      = "success"
	OutcomeHandlerError = "handler_error"
	OutcomeSettleError  = "settle_error"
)

// Metrics records session activity as Prometheus metrics. Attach it to a
// session through Hooks().
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	messagesTotal   *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	streamErrors    *prometheus.CounterVec
	exhaustedTotal  *prometheus.CounterVec
}

func newConsumerCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "abe",
			Subsystem: "consumer",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the session collectors. A nil registerer uses the
// Prometheus default registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:    registerer,
		messagesTotal: newConsumerCounterVec("messages_total", "Total number of messages processed, by outcome", []string{"session", "key", "outcome"}),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "abe",
				Subsystem: "consumer",
				Name:      "handler_duration_seconds",
				Help:      "Time spent in the message handler",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"session", "key"},
		),
		streamErrors:   newConsumerCounterVec("stream_errors_total", "Total number of errors reading from the provider", []string{"session", "kind"}),
		exhaustedTotal: newConsumerCounterVec("exhausted_total", "Total number of messages rejected after reaching the retry ceiling", []string{"session", "key"}),
	}
}

// Register registers the collectors. Safe to call multiple times; when an
// identical collector is already registered it is reused.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	var err error
	if m.messagesTotal, err = registerCollector(m.registerer, m.messagesTotal); err != nil {
		return err
	}
	if m.handlerDuration, err = registerCollector(m.registerer, m.handlerDuration); err != nil {
		return err
	}
	if m.streamErrors, err = registerCollector(m.registerer, m.streamErrors); err != nil {
		return err
	}
	if m.exhaustedTotal, err = registerCollector(m.registerer, m.exhaustedTotal); err != nil {
		return err
	}

	m.registered = true
	return nil
}

func registerCollector[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Hooks returns session hooks feeding these metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnMessageDone: func(info MessageInfo) {
			m.messagesTotal.WithLabelValues(info.Session, info.Key, OutcomeSuccess).Inc()
			m.handlerDuration.WithLabelValues(info.Session, info.Key).Observe(info.Duration.Seconds())
		},
		OnMessageError: func(info MessageInfo, err error) {
			var ackErr *provider.AcknowledgeError
			if errors.As(err, &ackErr) {
				m.messagesTotal.WithLabelValues(info.Session, info.Key, OutcomeSettleError).Inc()
				return
			}
			m.messagesTotal.WithLabelValues(info.Session, info.Key, OutcomeHandlerError).Inc()
			m.handlerDuration.WithLabelValues(info.Session, info.Key).Observe(info.Duration.Seconds())
		},
		OnExhausted: func(info MessageInfo, _ *HandlerExhaustedError) {
			m.exhaustedTotal.WithLabelValues(info.Session, info.Key).Inc()
		},
		OnStreamError: func(session string, err error) {
			kind := "terminal"
			if provider.IsTransient(err) {
				kind = "transient"
			}
			m.streamErrors.WithLabelValues(session, kind).Inc()
		},
	}
}
