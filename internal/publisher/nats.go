package publisher

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"transit-viewer/internal/layers"
)

// MapToken is the subject token of events that do not belong to a layer.
const MapToken = "map"

// NATSPublisher broadcasts layer events. It implements layers.Sink.
type NATSPublisher struct {
	nc          *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
	logger      *zap.Logger
}

type PublisherMetrics interface {
	EventPublishedInc()
	EventPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("transit-viewer"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logSubjects: logSubjects, metrics: m, logger: logger}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// Publish sends ev as JSON on <prefix>.<session>.<layer>.
func (p *NATSPublisher) Publish(ev layers.Event) error {
	subject := Subject(p.prefix, ev)
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if p.logSubjects {
		p.logger.Debug("nats publish", zap.String("subject", subject), zap.String("type", string(ev.Type)))
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.EventPublishErrInc()
		} else {
			p.metrics.EventPublishedInc()
		}
	}
	return err
}

// Subject is the subject ev is published on. Events without a layer
// use MapToken.
func Subject(prefix string, ev layers.Event) string {
	layer := string(ev.Layer)
	if layer == "" {
		layer = MapToken
	}
	parts := make([]string, 0, 3)
	if strings.TrimSpace(prefix) != "" {
		for _, tok := range strings.Split(prefix, ".") {
			parts = append(parts, subjectToken(tok))
		}
	}
	parts = append(parts, subjectToken(ev.Session), subjectToken(layer))
	return strings.Join(parts, ".")
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
