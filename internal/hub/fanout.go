package hub

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// LocalFanout is the single-process Fanout: Publish is a no-op because
// Hub.Broadcast already delivered to every local subscriber before
// calling Fanout.Publish.
type LocalFanout struct{}

func (LocalFanout) Publish(ctx context.Context, channelID string, frame []byte) error { return nil }
func (LocalFanout) Subscribe(onMessage func(channelID string, frame []byte)) error     { return nil }
func (LocalFanout) Close() error                                                      { return nil }

// NATSFanout crosses process boundaries: every hub process publishes
// broadcasts to a per-channel NATS subject and subscribes to every
// subject under its prefix, so a message delivered on one process's
// connections is replayed on every other process's local connections.
type NATSFanout struct {
	conn          *nats.Conn
	subjectPrefix string
	logger        *slog.Logger
	sub           *nats.Subscription
	nodeID        string // excludes this process's own publishes from Subscribe delivery
}

// NewNATSFanout connects to url and prepares publish/subscribe using
// subjectPrefix (e.g. "tymbal.broadcast") as the subject namespace root.
func NewNATSFanout(url, subjectPrefix string, logger *slog.Logger) (*NATSFanout, error) {
	conn, err := nats.Connect(url,
		nats.Name("tymbal-hub"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectBufSize(5*1024*1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("nats error", "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSFanout{conn: conn, subjectPrefix: subjectPrefix, logger: logger, nodeID: uuid.New().String()}, nil
}

func (f *NATSFanout) subject(channelID string) string {
	return f.subjectPrefix + "." + channelID
}

// Publish sends frame to the subject for channelID, tagged with this
// process's node id so Subscribe can skip its own echo.
func (f *NATSFanout) Publish(ctx context.Context, channelID string, frame []byte) error {
	msg := nats.NewMsg(f.subject(channelID))
	msg.Data = frame
	msg.Header.Set("X-Origin-Node", f.nodeID)
	return f.conn.PublishMsg(msg)
}

// Subscribe wildcard-subscribes to every channel subject under the
// configured prefix and invokes onMessage for each delivery not
// originated by this process.
func (f *NATSFanout) Subscribe(onMessage func(channelID string, frame []byte)) error {
	wildcard := f.subjectPrefix + ".>"
	sub, err := f.conn.Subscribe(wildcard, func(msg *nats.Msg) {
		if msg.Header.Get("X-Origin-Node") == f.nodeID {
			return
		}
		channelID := strings.TrimPrefix(msg.Subject, f.subjectPrefix+".")
		onMessage(channelID, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", wildcard, err)
	}
	f.sub = sub
	return nil
}

// Close drains pending messages then closes the connection.
func (f *NATSFanout) Close() error {
	if f.sub != nil {
		_ = f.sub.Unsubscribe()
	}
	if f.conn != nil {
		if err := f.conn.Drain(); err != nil {
			f.conn.Close()
			return err
		}
	}
	return nil
}
