package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

// ConnState is the channel's connection health, surfaced to the UI and used
// by the task registry to gate remote requests.
type ConnState int

const (
	// StateDisconnected means Run has not been started or has exited.
	StateDisconnected ConnState = iota
	// StateConnected means the websocket is up and the read pump is running.
	StateConnected
	// StateReconnecting means the connection dropped and redial is in progress.
	StateReconnecting
	// StateConnectionError means redialing has failed repeatedly.
	StateConnectionError
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateConnectionError:
		return "connectionError"
	default:
		return "disconnected"
	}
}

const (
	initialRedialBackoff = time.Second
	maxRedialBackoff     = 30 * time.Second
	// Redial attempts before the state degrades from reconnecting to error.
	// The channel keeps retrying either way.
	errorStateAfterAttempts = 5
)

// ErrNotConnected is returned when an outbound message cannot be sent
// because no connection is up.
var ErrNotConnected = errors.New("synthesis channel not connected")

// Channel is a persistent bidirectional connection to the synthesis
// service. It tracks per-block status and audio URLs as the service reports
// progress, and exposes fire-and-forget outbound operations.
type Channel struct {
	url    string
	token  string
	dialer *websocket.Dialer

	mu       sync.RWMutex
	conn     *websocket.Conn
	state    ConnState
	statuses map[int]BlockStatus
	urls     map[int]string
	onChange func() // fires on any status/url/state transition

	writeMu sync.Mutex

	connCond *sync.Cond // broadcast on state transitions, for WaitConnected
}

// NewChannel creates a channel for the given websocket endpoint. Run must be
// called to establish and maintain the connection.
func NewChannel(url, token string) *Channel {
	c := &Channel{
		url:      url,
		token:    token,
		dialer:   websocket.DefaultDialer,
		state:    StateDisconnected,
		statuses: make(map[int]BlockStatus),
		urls:     make(map[int]string),
	}
	c.connCond = sync.NewCond(c.mu.RLocker())
	return c
}

// OnChange registers a callback fired whenever connection state or any block
// status/URL changes. Used by pollers and the buffering watcher.
func (c *Channel) OnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Run dials the service and keeps the connection alive, redialing with
// exponential backoff after any drop, until ctx is canceled.
func (c *Channel) Run(ctx context.Context) {
	backoff := initialRedialBackoff
	attempts := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		conn, err := c.dial(ctx)
		if err != nil {
			attempts++
			if attempts >= errorStateAfterAttempts {
				c.setState(StateConnectionError)
			} else {
				c.setState(StateReconnecting)
			}
			log.Warn("remote: dial failed", "attempt", attempts, "backoff", backoff, "err", err)
			select {
			case <-ctx.Done():
				c.setState(StateDisconnected)
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxRedialBackoff)
			continue
		}

		attempts = 0
		backoff = initialRedialBackoff
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateConnected)
		log.Info("remote: connected", "url", c.url)

		c.readPump(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		c.setState(StateReconnecting)
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	header := map[string][]string{}
	if c.token != "" {
		header["Authorization"] = []string{"Bearer " + c.token}
	}
	conn, _, err := c.dialer.DialContext(dialCtx, c.url, header)
	return conn, err
}

// readPump consumes service messages until the connection drops or ctx ends.
func (c *Channel) readPump(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("remote: connection lost", "err", err)
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *Channel) handleMessage(data []byte) {
	msgType, payload, err := UnmarshalMessage(data)
	if err != nil {
		log.Warn("remote: bad message", "err", err)
		return
	}
	switch msgType {
	case MsgBlockStatus:
		var update BlockStatusUpdate
		if err := sonic.Unmarshal(payload, &update); err != nil {
			log.Warn("remote: bad block_status payload", "err", err)
			return
		}
		c.mu.Lock()
		for idx, status := range update.States {
			c.statuses[idx] = status
		}
		fn := c.onChange
		c.mu.Unlock()
		log.Debug("remote: block status update", "blocks", len(update.States))
		if fn != nil {
			fn()
		}
	case MsgAudioReady:
		var update AudioReadyUpdate
		if err := sonic.Unmarshal(payload, &update); err != nil {
			log.Warn("remote: bad audio_ready payload", "err", err)
			return
		}
		c.mu.Lock()
		c.urls[update.BlockIdx] = update.URL
		c.statuses[update.BlockIdx] = StatusCached
		fn := c.onChange
		c.mu.Unlock()
		log.Debug("remote: audio ready", "block", update.BlockIdx)
		if fn != nil {
			fn()
		}
	default:
		log.Debug("remote: ignoring message", "type", msgType)
	}
}

// Synthesize sends a batched fire-and-forget synthesis request. The service
// reports progress per index on the block-state stream. Indices are marked
// queued locally so the prefetch scheduler does not re-request them before
// the first status update arrives.
func (c *Channel) Synthesize(req SynthesizeRequest) error {
	if len(req.BlockIndices) == 0 {
		return nil
	}
	if err := c.send(MsgSynthesize, req); err != nil {
		return err
	}
	c.mu.Lock()
	for _, idx := range req.BlockIndices {
		if !c.statuses[idx].InFlight() {
			c.statuses[idx] = StatusQueued
		}
	}
	c.mu.Unlock()
	log.Debug("remote: synthesize requested", "blocks", len(req.BlockIndices), "cursor", req.Cursor)
	return nil
}

// MoveCursor informs the service the client's play position jumped. Eviction
// of now-irrelevant queued work is at the service's discretion.
func (c *Channel) MoveCursor(docID string, cursor int) error {
	return c.send(MsgMoveCursor, MoveCursorRequest{DocumentID: docID, Cursor: cursor})
}

// Reset clears all per-document channel state, local and remote. Used on
// document switch and voice change.
func (c *Channel) Reset(docID string) error {
	c.mu.Lock()
	c.statuses = make(map[int]BlockStatus)
	c.urls = make(map[int]string)
	c.mu.Unlock()
	return c.send(MsgReset, ResetRequest{DocumentID: docID})
}

func (c *Channel) send(msgType MessageType, payload any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := MarshalMessage(msgType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// BlockStatus returns the service-reported status for a block index.
// Unreported blocks are pending.
func (c *Channel) BlockStatus(idx int) BlockStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.statuses[idx]; ok {
		return s
	}
	return StatusPending
}

// AudioURL returns the fetchable URL for a block's audio, or "" if the
// service has not reported it cached yet.
func (c *Channel) AudioURL(idx int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.urls[idx]
}

// State returns the current connection state.
func (c *Channel) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Channel) setState(s ConnState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	fn := c.onChange
	c.mu.Unlock()
	if changed {
		c.connCond.Broadcast()
		if fn != nil {
			fn()
		}
	}
}

// WaitConnected blocks until the channel is connected, the timeout elapses,
// or ctx is canceled.
func (c *Channel) WaitConnected(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, c.connCond.Broadcast)
	defer timer.Stop()
	stop := context.AfterFunc(ctx, c.connCond.Broadcast)
	defer stop()

	c.mu.RLock()
	defer c.mu.RUnlock()
	for c.state != StateConnected {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return errors.New("timed out waiting for synthesis channel connection")
		}
		c.connCond.Wait()
	}
	return nil
}
