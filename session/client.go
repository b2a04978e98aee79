// Package session implements the live session client: it owns the Live
// API socket, performs the setup handshake, queues outbound traffic while
// the socket is not open, reconnects with linear backoff and publishes
// inbound protocol events on an events.Bus.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/room4-2/livelink/codec"
	"github.com/room4-2/livelink/events"
	"github.com/room4-2/livelink/messages"
	"github.com/room4-2/livelink/transport"
)

const (
	DefaultMaxRetries         = 3
	DefaultRetryBaseDelay     = 1 * time.Second
	DefaultRealtimeRetryDelay = 1 * time.Second
)

// ErrDisconnected is returned to Connect callers whose attempt was
// cancelled by Disconnect.
var ErrDisconnected = errors.New("session disconnected")

// CloseEvent is the payload of events.Close.
type CloseEvent = transport.CloseInfo

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Options configure a Client.
type Options struct {
	// URL is the Live endpoint including the key query parameter.
	URL    string
	Dialer transport.Dialer
	Logger *slog.Logger

	// MaxRetries caps automatic reconnects after unexpected closes.
	// Zero selects DefaultMaxRetries, a negative value disables them.
	MaxRetries         int
	RetryBaseDelay     time.Duration
	RealtimeRetryDelay time.Duration
	DialTimeout        time.Duration

	// Context is shared when set, so callers can own its lifetime.
	Context   *ContextQueue
	AfterFunc AfterFunc
}

type attempt struct {
	done   chan struct{}
	once   sync.Once
	err    error
	cancel context.CancelFunc
}

func (a *attempt) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

func (a *attempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type pendingReconnect struct {
	timer Timer
}

// Client is a single live session. All state transitions happen under mu;
// events are emitted and frames written outside it, so event handlers may
// call back into the Client.
type Client struct {
	id     string
	url    string
	dialer transport.Dialer
	bus    *events.Bus
	logger *slog.Logger
	after  AfterFunc

	maxRetries    int
	retryBase     time.Duration
	realtimeDelay time.Duration
	dialTimeout   time.Duration

	queue   *OutboundQueue
	context *ContextQueue

	mu        sync.Mutex
	state     State
	config    *messages.SetupConfig
	conn      transport.Conn
	gen       uint64
	retries   int
	attempt   *attempt
	reconnect *pendingReconnect
	draining  bool

	writeMu sync.Mutex
}

// New creates an idle Client.
func New(opts Options) *Client {
	id := uuid.New().String()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session", "session", id[:8])

	c := &Client{
		id:            id,
		url:           opts.URL,
		dialer:        opts.Dialer,
		bus:           events.NewBus(logger),
		logger:        logger,
		after:         opts.AfterFunc,
		maxRetries:    opts.MaxRetries,
		retryBase:     opts.RetryBaseDelay,
		realtimeDelay: opts.RealtimeRetryDelay,
		dialTimeout:   opts.DialTimeout,
		queue:         NewOutboundQueue(),
		context:       opts.Context,
	}
	if c.dialer == nil {
		c.dialer = transport.NewWebSocketDialer()
	}
	if c.after == nil {
		c.after = realAfterFunc
	}
	switch {
	case c.maxRetries == 0:
		c.maxRetries = DefaultMaxRetries
	case c.maxRetries < 0:
		c.maxRetries = 0
	}
	if c.retryBase <= 0 {
		c.retryBase = DefaultRetryBaseDelay
	}
	if c.realtimeDelay <= 0 {
		c.realtimeDelay = DefaultRealtimeRetryDelay
	}
	if c.dialTimeout <= 0 {
		c.dialTimeout = transport.DefaultDialTimeout
	}
	if c.context == nil {
		c.context = NewContextQueue()
	}
	return c
}

// ID identifies the client in logs.
func (c *Client) ID() string { return c.id }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Retries returns the number of automatic reconnects used so far.
func (c *Client) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// Config returns the stored handshake configuration.
func (c *Client) Config() *messages.SetupConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// Context returns the context log used by SendWithContext.
func (c *Client) Context() *ContextQueue { return c.context }

// Pending returns the messages waiting for the socket, in send order.
func (c *Client) Pending() []messages.Outbound { return c.queue.Snapshot() }

// Events exposes the bus for callers that need more than On/Once/Off.
func (c *Client) Events() *events.Bus { return c.bus }

func (c *Client) On(e events.Event, h events.Handler) events.Subscription   { return c.bus.On(e, h) }
func (c *Client) Once(e events.Event, h events.Handler) events.Subscription { return c.bus.Once(e, h) }
func (c *Client) Off(e events.Event, subs ...events.Subscription)           { c.bus.Off(e, subs...) }

func (c *Client) OnAudio(fn func([]byte)) events.Subscription {
	return events.Subscribe(c.bus, events.Audio, fn)
}

func (c *Client) OnContent(fn func(*messages.ServerContent)) events.Subscription {
	return events.Subscribe(c.bus, events.Content, fn)
}

func (c *Client) OnToolCall(fn func(*messages.ToolCall)) events.Subscription {
	return events.Subscribe(c.bus, events.ToolCall, fn)
}

func (c *Client) OnToolCallCancellation(fn func(*messages.ToolCallCancellation)) events.Subscription {
	return events.Subscribe(c.bus, events.ToolCallCancellation, fn)
}

func (c *Client) OnClose(fn func(CloseEvent)) events.Subscription {
	return events.Subscribe(c.bus, events.Close, fn)
}

func (c *Client) OnLog(fn func(events.LogEntry)) events.Subscription {
	return events.Subscribe(c.bus, events.Log, fn)
}

// Connect opens the session with cfg and blocks until it is open, the
// attempt fails or ctx is done. It resets the automatic retry budget.
// If an attempt is already in flight, Connect waits for it instead of
// dialing again. A failed dial returns *ConnectionError and emits no
// close event; it still schedules a reconnect while retries remain.
func (c *Client) Connect(ctx context.Context, cfg *messages.SetupConfig) error {
	c.mu.Lock()
	c.retries = 0
	c.mu.Unlock()
	return c.connect(ctx, cfg)
}

func (c *Client) connect(ctx context.Context, cfg *messages.SetupConfig) error {
	c.mu.Lock()
	c.config = cfg
	if a := c.attempt; a != nil {
		c.mu.Unlock()
		return a.wait(ctx)
	}

	old := c.teardownLocked()
	dialCtx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	a := &attempt{done: make(chan struct{}), cancel: cancel}
	c.attempt = a
	c.state = StateConnecting
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
		c.log("client.close", "Disconnected")
	}
	c.logger.Debug("connecting", "url", transport.RedactURL(c.url))

	go c.dial(dialCtx, a)
	return a.wait(ctx)
}

// Disconnect closes the socket, cancels an in-flight dial and any pending
// reconnect. It reports whether a socket was torn down. A session closed
// this way is never reconnected automatically.
func (c *Client) Disconnect() bool {
	c.mu.Lock()
	a := c.attempt
	c.attempt = nil
	conn := c.teardownLocked()
	if conn != nil || a != nil {
		c.state = StateClosed
	}
	c.mu.Unlock()

	if a != nil {
		a.cancel()
		a.finish(ErrDisconnected)
	}
	if conn == nil {
		return false
	}
	_ = conn.Close()
	c.log("client.close", "Disconnected")
	return true
}

// Close disconnects, drops queued messages and removes every handler.
func (c *Client) Close() error {
	c.Disconnect()
	c.queue.Clear()
	c.bus.Clear()
	return nil
}

// teardownLocked detaches the live socket and the reconnect timer. The
// caller closes the returned conn outside the lock.
func (c *Client) teardownLocked() transport.Conn {
	c.stopReconnectLocked()
	conn := c.conn
	c.conn = nil
	c.gen++
	c.draining = false
	return conn
}

func (c *Client) dial(ctx context.Context, a *attempt) {
	defer a.cancel()
	conn, err := c.dialer.Dial(ctx, c.url)

	c.mu.Lock()
	if c.attempt != a {
		c.mu.Unlock()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	c.attempt = nil

	if err != nil {
		c.state = StateClosed
		c.mu.Unlock()
		connErr := newConnectionError(c.url, err)
		c.log("server.error", connErr.Error())
		// no socket was opened, so there is no close to publish
		c.backoff()
		a.finish(connErr)
		return
	}

	if c.config == nil {
		c.state = StateIdle
		c.mu.Unlock()
		_ = conn.Close()
		a.finish(&ConfigError{})
		return
	}

	c.gen++
	gen := c.gen
	c.conn = conn
	c.state = StateOpen
	c.draining = true
	setup := c.config
	c.mu.Unlock()

	c.log("client.open", "Connected to socket")
	c.bus.Emit(events.Open, nil)
	c.bus.Emit(events.Connected, nil)

	if err := c.write(conn, messages.SetupMessage{Setup: setup}); err != nil {
		c.mu.Lock()
		c.draining = false
		c.mu.Unlock()
		a.finish(newConnectionError(c.url, err))
		go c.readLoop(conn, gen)
		return
	}
	c.log("client.send", "Setup message sent")

	c.flush(conn)
	go c.readLoop(conn, gen)
	a.finish(nil)
}

// flush drains the outbound queue onto conn. Sends issued meanwhile are
// queued behind it, which keeps setup first and the queue FIFO.
func (c *Client) flush(conn transport.Conn) {
	for {
		err := c.queue.Drain(func(msg messages.Outbound) error {
			return c.write(conn, msg)
		})

		c.mu.Lock()
		if err != nil || c.conn != conn || c.queue.Len() == 0 {
			if c.conn == conn {
				c.draining = false
			}
			c.mu.Unlock()
			if err != nil {
				c.logger.Warn("flushing queued messages failed", "error", err, "remaining", c.queue.Len())
			}
			return
		}
		c.mu.Unlock()
	}
}

func (c *Client) readLoop(conn transport.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.socketClosed(gen, transport.CloseInfoFromError(err))
			return
		}
		c.receive(data)
	}
}

func (c *Client) socketClosed(gen uint64, info transport.CloseInfo) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.draining = false
	c.state = StateClosed
	c.mu.Unlock()

	_ = conn.Close()
	c.closed(info)
}

// closed publishes the close and schedules the next backoff step while
// retries remain.
func (c *Client) closed(info transport.CloseInfo) {
	c.backoff()

	msg := "Disconnected"
	if info.Reason != "" {
		msg += " with reason: " + info.Reason
	}
	c.log("server.close", msg)
	c.bus.Emit(events.Close, info)
}

// backoff schedules a reconnect after retries×base while retries remain.
func (c *Client) backoff() {
	c.mu.Lock()
	scheduled := c.retries < c.maxRetries
	var delay time.Duration
	if scheduled {
		c.retries++
		delay = time.Duration(c.retries) * c.retryBase
		c.scheduleLocked(delay)
	}
	retries := c.retries
	c.mu.Unlock()

	if scheduled {
		c.logger.Info("reconnect scheduled", "attempt", retries, "delay", delay)
	} else {
		c.logger.Warn("reconnect attempts exhausted", "retries", retries)
	}
}

func (c *Client) scheduleLocked(delay time.Duration) {
	c.stopReconnectLocked()
	rt := &pendingReconnect{}
	c.reconnect = rt
	rt.timer = c.after(delay, func() { c.fireReconnect(rt) })
}

func (c *Client) stopReconnectLocked() {
	if c.reconnect == nil {
		return
	}
	if c.reconnect.timer != nil {
		c.reconnect.timer.Stop()
	}
	c.reconnect = nil
}

func (c *Client) fireReconnect(rt *pendingReconnect) {
	c.mu.Lock()
	if c.reconnect != rt {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	cfg := c.config
	c.mu.Unlock()

	if cfg == nil {
		return
	}
	if err := c.connect(context.Background(), cfg); err != nil {
		c.logger.Warn("reconnect failed", "error", err)
	}
}

// Send writes a single user turn.
func (c *Client) Send(turnComplete bool, parts ...messages.Part) error {
	msg := messages.NewClientContent([]messages.Content{messages.UserTurn(parts...)}, turnComplete)
	if err := c.sendDirect(msg); err != nil {
		return err
	}
	c.log("client.send", msg)
	return nil
}

// SendText sends one complete text turn.
func (c *Client) SendText(text string) error {
	return c.Send(true, messages.TextPart(text))
}

// SendWithContext writes the context log followed by a new user turn.
// The context log is left untouched.
func (c *Client) SendWithContext(turnComplete bool, parts ...messages.Part) error {
	turns := append(c.context.Turns(), messages.UserTurn(parts...))
	msg := messages.NewClientContent(turns, turnComplete)
	if err := c.sendDirect(msg); err != nil {
		return err
	}
	c.log("client.send", msg)
	return nil
}

// AddToContext appends a user turn to the context log.
func (c *Client) AddToContext(parts ...messages.Part) {
	c.context.Append(messages.UserTurn(parts...))
}

// SendToolResponse answers a tool call.
func (c *Client) SendToolResponse(resp *messages.ToolResponse) error {
	msg := messages.ToolResponseMessage{ToolResponse: resp}
	if err := c.sendDirect(msg); err != nil {
		return err
	}
	c.log("client.toolResponse", msg)
	return nil
}

// SendRealtimeInput streams media chunks. While the session is not open
// the chunks are queued and a reconnect is scheduled, so media is never
// dropped because the socket cycles.
func (c *Client) SendRealtimeInput(chunks ...messages.MediaChunk) error {
	msg := messages.NewRealtimeInput(chunks)

	c.mu.Lock()
	if c.state != StateOpen || c.draining || c.queue.Len() > 0 {
		c.queue.Enqueue(msg)
		if c.state != StateOpen && c.reconnect == nil {
			c.scheduleLocked(c.realtimeDelay)
		}
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	if err := c.write(conn, msg); err != nil {
		return err
	}
	c.log("client.realtimeInput", DescribeChunks(chunks))
	return nil
}

func (c *Client) sendDirect(msg messages.Outbound) error {
	c.mu.Lock()
	switch c.state {
	case StateOpen:
		if c.draining || c.queue.Len() > 0 {
			c.queue.Enqueue(msg)
			c.mu.Unlock()
			return nil
		}
		conn := c.conn
		c.mu.Unlock()
		return c.write(conn, msg)

	case StateConnecting:
		c.queue.Enqueue(msg)
		c.mu.Unlock()
		return nil
	}

	if c.state == StateClosed && c.retries >= c.maxRetries {
		retries := c.retries
		c.mu.Unlock()
		return &NotConnectedError{Retries: retries}
	}
	c.queue.Enqueue(msg)
	cfg := c.config
	start := cfg != nil && c.reconnect == nil && c.attempt == nil
	c.mu.Unlock()

	if start {
		go func() {
			if err := c.connect(context.Background(), cfg); err != nil {
				c.logger.Warn("reconnect on send failed", "error", err)
			}
		}()
	}
	return nil
}

func (c *Client) write(conn transport.Conn, msg messages.Outbound) error {
	data, err := codec.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// a failed write leaves the socket unusable; closing it lets the
		// read loop report the close
		_ = conn.Close()
		return fmt.Errorf("write %T: %w", msg, err)
	}
	return nil
}

func (c *Client) receive(data []byte) {
	msg, err := codec.DecodeInbound(data)
	if err != nil {
		if errors.Is(err, messages.ErrUnclassified) {
			c.logger.Debug("received unmatched message", "frame", truncate(data, 256))
			return
		}
		c.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	switch m := msg.(type) {
	case *messages.ToolCall:
		c.log("server.toolCall", m)
		c.bus.Emit(events.ToolCall, m)
	case *messages.ToolCallCancellation:
		c.log("receive.toolCallCancellation", m)
		c.bus.Emit(events.ToolCallCancellation, m)
	case *messages.SetupComplete:
		c.log("server.send", "Setup complete")
		c.bus.Emit(events.SetupComplete, m)
	case *messages.ServerContent:
		c.receiveContent(m)
	}
}

func (c *Client) receiveContent(sc *messages.ServerContent) {
	if sc.Interrupted {
		c.log("receive.serverContent", "Interrupted")
		c.bus.Emit(events.Interrupted, nil)
		return
	}
	if sc.TurnComplete {
		c.log("server.send", "Turn complete")
		c.bus.Emit(events.TurnComplete, nil)
	}

	// a model turn without parts is left alone
	if sc.ModelTurn == nil || len(sc.ModelTurn.Parts) == 0 {
		return
	}

	var rest []messages.Part
	for _, p := range sc.ModelTurn.Parts {
		if !p.IsAudio() {
			rest = append(rest, p)
			continue
		}
		if p.InlineData.Data == "" {
			continue
		}
		data, err := codec.Base64Decode(p.InlineData.Data)
		if err != nil {
			c.logger.Warn("dropping undecodable audio part", "error", err)
			continue
		}
		c.bus.Emit(events.Audio, data)
		c.log("server.audio", fmt.Sprintf("Buffer (%d)", len(data)))
	}

	if len(rest) > 0 {
		content := &messages.ServerContent{
			ModelTurn: &messages.Content{Parts: rest},
		}
		c.bus.Emit(events.Content, content)
		c.log("server.content", content)
	}
}

func (c *Client) log(typ string, message any) {
	c.logger.Debug(typ, "message", message)
	c.bus.Emit(events.Log, events.LogEntry{Date: time.Now(), Type: typ, Message: message})
}

// DescribeChunks summarizes the media kinds of chunks for logs.
func DescribeChunks(chunks []messages.MediaChunk) string {
	var audio, video bool
	for _, ch := range chunks {
		audio = audio || strings.Contains(ch.MimeType, "audio")
		video = video || strings.Contains(ch.MimeType, "image")
	}
	switch {
	case audio && video:
		return "audio + video"
	case audio:
		return "audio"
	case video:
		return "video"
	default:
		return "unknown"
	}
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
