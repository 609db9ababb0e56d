package clients

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"hydronet/pkg/apperror"
	"hydronet/pkg/config"
	"hydronet/pkg/metrics"
)

// AnomalyEvent is one sensor anomaly notification from the sensor store.
type AnomalyEvent struct {
	SensorID  string    `json:"sensor_id"`
	GateID    string    `json:"gate_id,omitempty"`
	SectionID string    `json:"section_id,omitempty"`
	Kind      string    `json:"kind"`     // stuck, drift, spike, offline
	Severity  string    `json:"severity"` // info, warning, critical
	Message   string    `json:"message"`
	At        time.Time `json:"ts"`
}

// AnomalyListener streams sensor anomaly events over postgres LISTEN/NOTIFY.
// The consumer channel is bounded: when the consumer falls behind, events are
// dropped with a counter and a warning instead of blocking the listener.
type AnomalyListener struct {
	channel string
	pl      *pq.Listener
	events  chan AnomalyEvent
	log     *slog.Logger
	metrics *metrics.Metrics

	closeOnce sync.Once
	closed    chan struct{}
}

const (
	defaultAnomalyBuffer = 64

	listenerMinReconnect = 5 * time.Second
	listenerMaxReconnect = time.Minute
)

// NewAnomalyListener connects to the database and subscribes to the anomaly
// channel. The dsn is the same postgres DSN the repositories use.
func NewAnomalyListener(dsn string, cfg config.SensorsConfig, log *slog.Logger, m *metrics.Metrics) (*AnomalyListener, error) {
	if cfg.AnomalyChannel == "" {
		return nil, apperror.New(apperror.CodeNilInput, "anomaly channel is empty")
	}
	if log == nil {
		log = slog.Default()
	}
	buffer := cfg.AnomalyBuffer
	if buffer <= 0 {
		buffer = defaultAnomalyBuffer
	}

	l := &AnomalyListener{
		channel: cfg.AnomalyChannel,
		events:  make(chan AnomalyEvent, buffer),
		log:     log,
		metrics: m,
		closed:  make(chan struct{}),
	}

	l.pl = pq.NewListener(dsn, listenerMinReconnect, listenerMaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Warn("anomaly listener connection event",
					"channel", cfg.AnomalyChannel, "event", int(ev), "error", err)
			}
		})

	if err := l.pl.Listen(cfg.AnomalyChannel); err != nil {
		_ = l.pl.Close()
		return nil, apperror.Wrap(err, apperror.CodeSensorUnavailable,
			"failed to subscribe to anomaly channel")
	}
	return l, nil
}

// Subscribe starts the pump and returns the event channel. The channel is
// closed when ctx is cancelled or Close is called.
func (l *AnomalyListener) Subscribe(ctx context.Context) <-chan AnomalyEvent {
	go l.run(ctx, l.pl.Notify)
	return l.events
}

// run переливает уведомления в ограниченный канал потребителя
func (l *AnomalyListener) run(ctx context.Context, notify <-chan *pq.Notification) {
	defer close(l.events)

	ping := time.NewTicker(listenerMaxReconnect)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.closed:
			return
		case <-ping.C:
			if l.pl == nil {
				continue
			}
			// Поддерживаем соединение при тихом канале
			if err := l.pl.Ping(); err != nil {
				l.log.Warn("anomaly listener ping failed", "error", err)
			}
		case n, ok := <-notify:
			if !ok {
				return
			}
			if n == nil {
				// lib/pq шлёт nil после переподключения
				continue
			}

			var ev AnomalyEvent
			if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
				l.log.Warn("failed to decode anomaly notification",
					"channel", l.channel, "error", err)
				l.count("invalid")
				continue
			}

			select {
			case l.events <- ev:
				l.count("delivered")
			default:
				l.log.Warn("anomaly event dropped, consumer is behind",
					"sensor_id", ev.SensorID, "kind", ev.Kind)
				l.count("dropped")
			}
		}
	}
}

// Close stops the pump and releases the database connection.
func (l *AnomalyListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.pl.Close()
	})
	if err != nil {
		return apperror.Wrap(err, apperror.CodeSensorUnavailable,
			"failed to close anomaly listener")
	}
	return nil
}

func (l *AnomalyListener) count(outcome string) {
	if l.metrics == nil {
		return
	}
	l.metrics.AnomalyEventsTotal.WithLabelValues(outcome).Inc()
}
