package step

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSGateway publishes notifications as JSON to "<prefix>.<type>".
type NATSGateway struct {
	pub    publisher
	conn   *nats.Conn
	prefix string
}

// NewNATSGateway creates a gateway publishing on conn.
func NewNATSGateway(conn *nats.Conn, subjectPrefix string) *NATSGateway {
	return &NATSGateway{pub: conn, conn: conn, prefix: subjectPrefix}
}

// ConnectNATS dials the notification bus.
func ConnectNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(
		url,
		nats.Name("flowrun"),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("nats connection closed")
		}),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(5),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return nc, nil
}

// Subject returns the subject a notification of kind is published on.
func (g *NATSGateway) Subject(kind string) string {
	if g.prefix == "" {
		return kind
	}
	return g.prefix + "." + kind
}

// Send implements Gateway. The message id doubles as the JetStream
// deduplication id.
func (g *NATSGateway) Send(_ context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	msg := nats.NewMsg(g.Subject(n.Type))
	msg.Header.Set(nats.MsgIdHdr, n.ID)
	msg.Header.Set("Content-Type", "application/json")
	msg.Data = data
	return g.pub.PublishMsg(msg)
}

// HealthCheck reports whether the connection is up.
func (g *NATSGateway) HealthCheck(context.Context) error {
	if g.conn == nil {
		return nil
	}
	if s := g.conn.Status(); s != nats.CONNECTED {
		return fmt.Errorf("nats connection %s", s)
	}
	return nil
}

// Close drains the connection so in-flight publishes are flushed.
func (g *NATSGateway) Close() error {
	if g.conn == nil || g.conn.IsClosed() {
		return nil
	}
	return g.conn.Drain()
}
