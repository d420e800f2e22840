// Package transport connects the sync layer to a relay server over a
// websocket. The server itself is an external collaborator; this client
// only performs the Y-sync handshake through the SyncManager and pumps
// SendSyncMessage events outbound. Frames for body documents are routed
// by a channel-name prefix on the wire.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/diaryx/diaryx-go/internal/crdt"
	"github.com/diaryx/diaryx-go/internal/crdt/codec"
	"github.com/diaryx/diaryx-go/internal/events"
	"github.com/diaryx/diaryx-go/internal/syncer"
)

// Reconnect pacing: one token per reconnectInterval, small burst for
// flapping connections.
const (
	reconnectInterval = 5 * time.Second
	reconnectBurst    = 3
	writeTimeout      = 10 * time.Second
)

// Client maintains one websocket session against the sync server.
type Client struct {
	url     string
	manager *syncer.SyncManager
	logger  *slog.Logger
	limiter *rate.Limiter

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a client for url. The client subscribes itself to the
// manager's SendSyncMessage events.
func New(url string, manager *syncer.SyncManager, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		url:     url,
		manager: manager,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(reconnectInterval), reconnectBurst),
	}
	manager.Subscribe(events.ObserverFunc(c.onEvent))
	return c
}

// Run connects and pumps inbound frames until ctx is cancelled,
// reconnecting with paced backoff on failure.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := c.session(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("sync session ended", "error", err)
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", c.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	// Open the workspace handshake.
	if err := c.send(ctx, encodeChannelFrame(crdt.WorkspaceDocName, c.manager.CreateWorkspaceSyncStep1())); err != nil {
		return err
	}
	c.logger.Info("sync session opened", "url", c.url)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("transport: read: %w", err)
		}
		docName, payload, err := decodeChannelFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if err := c.dispatch(ctx, docName, payload); err != nil {
			c.logger.Warn("inbound frame failed", "doc", docName, "error", err)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, docName string, payload []byte) error {
	if docName == crdt.WorkspaceDocName {
		result, err := c.manager.HandleWorkspaceMessage(ctx, payload, true)
		if err != nil {
			return err
		}
		if len(result.Reply) > 0 {
			return c.send(ctx, encodeChannelFrame(docName, result.Reply))
		}
		return nil
	}
	result, err := c.manager.HandleBodyMessage(ctx, docName, payload, true)
	if err != nil {
		return err
	}
	if len(result.Reply) > 0 {
		return c.send(ctx, encodeChannelFrame(docName, result.Reply))
	}
	return nil
}

// onEvent forwards locally raised sync frames to the server.
func (c *Client) onEvent(ev *events.Event) {
	if ev.Kind != events.SendSyncMessage {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.send(ctx, encodeChannelFrame(ev.DocName, ev.Payload)); err != nil {
		c.logger.Warn("outbound frame dropped", "doc", ev.DocName, "error", err)
	}
}

func (c *Client) send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: not connected")
	}
	return conn.Write(ctx, websocket.MessageBinary, frame)
}

// encodeChannelFrame prefixes a Y-sync buffer with its document name so
// one socket multiplexes the workspace channel and every body channel.
func encodeChannelFrame(docName string, payload []byte) []byte {
	buf := codec.AppendString(nil, docName)
	return append(buf, payload...)
}

func decodeChannelFrame(frame []byte) (string, []byte, error) {
	docName, used, err := codec.ReadString(frame)
	if err != nil {
		return "", nil, fmt.Errorf("transport: channel name: %w", err)
	}
	return docName, frame[used:], nil
}
