package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"drillquiz/internal/logging"
)

// Defaults for reconnecting after an abnormal close.
const (
	DefaultReconnectAttempts = 3
	DefaultReconnectDelay    = time.Second
)

const closeTimeout = time.Second

var (
	// ErrInvalidURL reports a missing or non-WebSocket session URL.
	ErrInvalidURL = errors.New("realtime url must start with ws:// or wss://")
	// ErrNotConnected reports a send while no connection is open.
	ErrNotConnected = errors.New("realtime client is not connected")
	// ErrClosed reports use of a client after Close.
	ErrClosed = errors.New("realtime client is closed")
)

// Option configures a Client.
type Option func(*Client)

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithReconnect sets how many reconnects follow an abnormal close and the
// base delay; attempt n waits delay*n.
func WithReconnect(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		if attempts >= 0 {
			c.attempts = attempts
		}
		if delay > 0 {
			c.delay = delay
		}
	}
}

// WithClientSecret sends the ephemeral session secret as a bearer token
// during the handshake.
func WithClientSecret(secret string) Option {
	return func(c *Client) {
		if secret != "" {
			c.header.Set("Authorization", "Bearer "+secret)
		}
	}
}

// WithLogger sets the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logging.NewComponentLogger(logger, "realtime")
		}
	}
}

type registration struct {
	id uint64
	fn Handler
}

// Client is a reconnecting realtime session connection.
type Client struct {
	url      string
	header   http.Header
	dialer   *websocket.Dialer
	attempts int
	delay    time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	done   chan struct{}

	// writeMu serializes frames; gorilla connections allow one writer.
	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[Event][]registration
	nextID     uint64
}

// New constructs a Client for the session WebSocket URL. The URL is validated
// by Connect.
func New(rawURL string, opts ...Option) *Client {
	c := &Client{
		url:      strings.TrimSpace(rawURL),
		header:   http.Header{},
		dialer:   websocket.DefaultDialer,
		attempts: DefaultReconnectAttempts,
		delay:    DefaultReconnectDelay,
		logger:   logging.NewComponentLogger(nil, "realtime"),
		done:     make(chan struct{}),
		handlers: map[Event][]registration{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty url", ErrInvalidURL)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("%w: got %q", ErrInvalidURL, raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host in %q", ErrInvalidURL, raw)
	}
	return nil
}

// Connect validates the URL, dials, and starts the read loop. It emits
// EventConnected on success.
func (c *Client) Connect(ctx context.Context) error {
	if err := validateURL(c.url); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return c.dial(ctx)
}

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) dial(ctx context.Context) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial realtime session: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial realtime session: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("realtime connected", logging.String(logging.FieldEventType, "connected"))
	go c.readLoop(conn)
	c.emit(EventConnected, Message{})
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) handleClose(conn *websocket.Conn, readErr error) {
	code := websocket.CloseAbnormalClosure
	var closeErr *websocket.CloseError
	if errors.As(readErr, &closeErr) {
		code = closeErr.Code
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()
	_ = conn.Close()
	if closed {
		code = websocket.CloseNormalClosure
	}

	c.emit(EventDisconnected, Message{CloseCode: code, Err: readErr})
	if closed || code == websocket.CloseNormalClosure {
		c.logger.Info("realtime disconnected", logging.Int("close_code", code))
		return
	}
	logging.WarnWithContext(c.logger, "realtime connection lost", "connection_lost",
		logging.Int("close_code", code),
		logging.Error(readErr),
		logging.Int("reconnect_attempts", c.attempts),
	)
	c.reconnect()
}

// linearBackOff waits step, 2*step, 3*step, and so on.
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.step * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

func (c *Client) reconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: c.delay}, uint64(c.attempts)),
		ctx,
	)
	policy.Reset()
	for attempt := 1; ; attempt++ {
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.logger.Info("realtime reconnecting",
			logging.Int("attempt", attempt),
			logging.Int("max_attempts", c.attempts),
		)
		err := c.dial(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		c.logger.Warn("realtime reconnect failed", logging.Int("attempt", attempt), logging.Error(err))
	}
	if ctx.Err() != nil {
		return
	}
	logging.ErrorWithContext(c.logger, "realtime reconnect gave up", "reconnect_failed",
		logging.Int("attempts", c.attempts),
		logging.String(logging.FieldImpact, "session audio stopped"),
	)
	c.emit(EventReconnectFailed, Message{})
}

// On registers handler for event and returns a function that removes it.
func (c *Client) On(event Event, handler Handler) (off func()) {
	if handler == nil {
		return func() {}
	}
	c.handlersMu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], registration{id: id, fn: handler})
	c.handlersMu.Unlock()

	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		regs := c.handlers[event]
		for i, reg := range regs {
			if reg.id == id {
				c.handlers[event] = append(regs[:i:i], regs[i+1:]...)
				return
			}
		}
	}
}

func (c *Client) emit(event Event, msg Message) {
	c.handlersMu.RLock()
	regs := append([]registration(nil), c.handlers[event]...)
	c.handlersMu.RUnlock()

	for _, reg := range regs {
		c.call(event, reg.fn, msg)
	}
}

func (c *Client) call(event Event, fn Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("realtime handler panicked",
				logging.String(logging.FieldEventType, string(event)),
				logging.Any("panic", r),
			)
		}
	}()
	fn(msg)
}

func (c *Client) send(kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}

// SendAudio appends PCM16 audio to the input buffer.
func (c *Client) SendAudio(pcm []byte) error {
	return c.send("input_audio_buffer.append", map[string]string{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitAudio marks the end of the user's spoken input.
func (c *Client) CommitAudio() error {
	return c.send("input_audio_buffer.commit", map[string]string{"type": "input_audio_buffer.commit"})
}

type responseCreate struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Instructions string `json:"instructions"`
}

// RequestResponse asks the model to respond, optionally with extra
// instructions for this turn.
func (c *Client) RequestResponse(instructions string) error {
	msg := responseCreate{Type: "response.create"}
	if instructions != "" {
		msg.Response = &responseParams{Instructions: instructions}
	}
	return c.send(msg.Type, msg)
}

type itemCreate struct {
	Type string   `json:"type"`
	Item itemBody `json:"item"`
}

type itemBody struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

// SendText adds a typed user message to the conversation.
func (c *Client) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("realtime text message is empty")
	}
	msg := itemCreate{
		Type: "conversation.item.create",
		Item: itemBody{
			Type:    "message",
			Role:    "user",
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	}
	return c.send(msg.Type, msg)
}

// Close sends a normal closure and stops reconnecting. It is safe to call
// from a handler and more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "normal closure"),
		time.Now().Add(closeTimeout))
	c.writeMu.Unlock()
	_ = conn.Close()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("close realtime session: %w", err)
	}
	return nil
}
