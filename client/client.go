package client

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/ruteri/mpc-relay/auth"
	"github.com/ruteri/mpc-relay/interfaces"
	"github.com/ruteri/mpc-relay/protocol"
	"go.uber.org/atomic"
)

var (
	// ErrClosed is returned by calls on a closed client.
	ErrClosed = errors.New("client closed")
	// ErrDisconnected fails calls whose connection dropped before a
	// response arrived. The request may or may not have been executed.
	ErrDisconnected = errors.New("connection lost before response")
	// ErrSuperseded is the terminal error of a client whose identity
	// connected elsewhere.
	ErrSuperseded = errors.New("connection superseded by another connection of the same party")
	// ErrUnauthorized is returned when the relay rejects the credentials.
	ErrUnauthorized = errors.New("relay rejected credentials")
)

// Config configures a Client.
type Config struct {
	// URL is the relay's HTTP base URL, e.g. http://localhost:8080.
	URL string
	// Key is the party's signing key; its address is the party identity.
	Key *ecdsa.PrivateKey
	Log *slog.Logger

	// Reconnect redials with the last resumption token when the connection
	// drops, retrying with exponential backoff until MaxReconnectTime.
	Reconnect        bool
	MaxReconnectTime time.Duration

	// NotificationBuffer is the capacity of the notifications channel.
	NotificationBuffer int
	WriteTimeout       time.Duration

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

func (cfg *Config) setDefaults() {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.MaxReconnectTime == 0 {
		cfg.MaxReconnectTime = 30 * time.Second
	}
	if cfg.NotificationBuffer == 0 {
		cfg.NotificationBuffer = 1024
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
}

// Client is a party's connection to the relay. Requests may be issued
// concurrently; responses are matched by id. Notifications, starting with
// the welcome of each (re)connection, are delivered in arrival order on
// Notifications.
type Client struct {
	cfg   Config
	id    interfaces.PartyID
	log   *slog.Logger
	wsURL string

	nextID atomic.Uint64

	mu          sync.Mutex
	ws          *websocket.Conn
	resumeToken string
	welcome     protocol.WelcomeParams
	pending     map[string]chan *protocol.Response

	writeMu sync.Mutex

	notifications chan *protocol.Notification
	ctx           context.Context
	cancel        context.CancelFunc
	done          chan struct{}
	err           atomic.Error
}

// Dial authenticates and connects. It returns once the welcome has been
// received.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg.setDefaults()
	if cfg.Key == nil {
		return nil, errors.New("client: signing key is required")
	}
	wsURL, err := websocketURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:           cfg,
		id:            auth.PartyFromKey(cfg.Key),
		wsURL:         wsURL,
		pending:       make(map[string]chan *protocol.Response),
		notifications: make(chan *protocol.Notification, cfg.NotificationBuffer),
		done:          make(chan struct{}),
	}
	c.log = cfg.Log.With("party", c.id)
	c.ctx, c.cancel = context.WithCancel(context.Background())

	ws, welcome, err := c.connect(ctx)
	if err != nil {
		c.cancel()
		return nil, err
	}
	go c.run(ws, welcome)
	return c, nil
}

// Identity returns the party identity derived from the signing key.
func (c *Client) Identity() interfaces.PartyID { return c.id }

// Welcome returns the welcome of the current connection.
func (c *Client) Welcome() protocol.WelcomeParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.welcome
}

// Notifications delivers server notifications. It is closed when the
// client stops for good.
func (c *Client) Notifications() <-chan *protocol.Notification { return c.notifications }

// Done is closed when the client stops for good.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the reason the client stopped, once Done is closed.
func (c *Client) Err() error { return c.err.Load() }

// Close closes the connection and stops reconnecting.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		c.writeMu.Lock()
		ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		ws.Close()
	}
	<-c.done
	return nil
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, *protocol.Notification, error) {
	nonce, err := c.fetchNonce(ctx)
	if err != nil {
		return nil, nil, err
	}
	sig, err := auth.SignNonce(nonce, c.cfg.Key)
	if err != nil {
		return nil, nil, err
	}

	header := http.Header{}
	header.Set(protocol.NonceHeader, nonce.String())
	header.Set(protocol.SignatureHeader, hex.EncodeToString(sig))
	c.mu.Lock()
	if c.resumeToken != "" {
		header.Set(protocol.ResumeHeader, c.resumeToken)
	}
	c.mu.Unlock()

	ws, resp, err := c.cfg.Dialer.DialContext(ctx, c.wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, nil, ErrUnauthorized
		}
		return nil, nil, fmt.Errorf("dialing relay: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(c.cfg.WriteTimeout))
	_, data, err := ws.ReadMessage()
	ws.SetReadDeadline(time.Time{})
	if err != nil {
		ws.Close()
		return nil, nil, fmt.Errorf("reading welcome: %w", err)
	}
	frame, err := protocol.DecodeServerFrame(data)
	if err != nil {
		ws.Close()
		return nil, nil, err
	}
	n, ok := frame.(*protocol.Notification)
	if !ok || n.Method != protocol.NotifyWelcome {
		ws.Close()
		return nil, nil, fmt.Errorf("expected welcome, got %s", data)
	}
	var welcome protocol.WelcomeParams
	if err := json.Unmarshal(n.Params, &welcome); err != nil {
		ws.Close()
		return nil, nil, fmt.Errorf("decoding welcome: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.welcome = welcome
	c.resumeToken = welcome.ResumeToken
	c.mu.Unlock()
	c.log.Debug("Connected to relay", "conn", welcome.ConnectionID, "resumed", welcome.Resumed, "sessions", welcome.Sessions)
	return ws, n, nil
}

func (c *Client) fetchNonce(ctx context.Context) (auth.Nonce, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(c.cfg.URL, "/")+protocol.NoncePath, nil)
	if err != nil {
		return auth.Nonce{}, err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return auth.Nonce{}, fmt.Errorf("fetching nonce: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return auth.Nonce{}, fmt.Errorf("fetching nonce: unexpected status %s", resp.Status)
	}
	var body protocol.NonceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return auth.Nonce{}, fmt.Errorf("decoding nonce: %w", err)
	}
	return auth.ParseNonce(body.Nonce)
}

func websocketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/") + protocol.WSPath)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay URL scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// run reads frames until the connection is lost, then reconnects if
// configured to.
func (c *Client) run(ws *websocket.Conn, welcome *protocol.Notification) {
	defer close(c.done)
	defer close(c.notifications)

	for {
		c.deliver(welcome)
		err := c.readLoop(ws)
		c.failPending()

		switch {
		case c.ctx.Err() != nil:
			c.err.Store(ErrClosed)
			return
		case websocket.IsCloseError(err, protocol.CloseSuperseded):
			c.err.Store(ErrSuperseded)
			return
		case !c.cfg.Reconnect:
			c.err.Store(err)
			return
		}

		c.log.Warn("Connection lost, reconnecting", "err", err)
		ws, welcome, err = c.reconnect()
		if err != nil {
			c.log.Error("Reconnect failed", "err", err)
			c.err.Store(err)
			return
		}
	}
}

func (c *Client) reconnect() (*websocket.Conn, *protocol.Notification, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = c.cfg.MaxReconnectTime

	var (
		ws      *websocket.Conn
		welcome *protocol.Notification
	)
	err := backoff.RetryNotify(func() error {
		conn, n, err := c.connect(c.ctx)
		if errors.Is(err, ErrUnauthorized) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		ws, welcome = conn, n
		return nil
	}, backoff.WithContext(b, c.ctx), func(err error, next time.Duration) {
		c.log.Debug("Reconnect attempt failed", "err", err, "retryIn", next)
	})
	return ws, welcome, err
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := protocol.DecodeServerFrame(data)
		if err != nil {
			c.log.Warn("Discarding malformed frame", "err", err)
			continue
		}
		switch f := frame.(type) {
		case *protocol.Response:
			c.resolve(f)
		case *protocol.Notification:
			c.deliver(f)
		}
	}
}

func (c *Client) deliver(n *protocol.Notification) {
	select {
	case c.notifications <- n:
	case <-c.ctx.Done():
	}
}

func (c *Client) resolve(resp *protocol.Response) {
	key := string(resp.ID)
	c.mu.Lock()
	ch, ok := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("Response for unknown request", "id", key)
		return
	}
	ch <- resp
}

func (c *Client) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *protocol.Response)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// Call issues a request and decodes its result into result. Errors
// returned by the relay are *protocol.Error.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	id := json.RawMessage(strconv.FormatUint(c.nextID.Inc(), 10))
	frame, err := protocol.EncodeRequest(id, method, params)
	if err != nil {
		return err
	}

	ch := make(chan *protocol.Response, 1)
	c.mu.Lock()
	ws := c.ws
	c.pending[string(id)] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, string(id))
		c.mu.Unlock()
	}()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err = ws.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("writing request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrDisconnected
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil {
			return json.Unmarshal(resp.Result, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Join joins or creates a session.
func (c *Client) Join(ctx context.Context, p protocol.JoinParams) (protocol.SessionSnapshot, error) {
	var snap protocol.SessionSnapshot
	err := c.Call(ctx, protocol.MethodJoin, p, &snap)
	return snap, err
}

// Leave signals completion of the party's part in a session.
func (c *Client) Leave(ctx context.Context, sid interfaces.SessionID) error {
	return c.Call(ctx, protocol.MethodLeave, protocol.LeaveParams{SessionID: sid}, nil)
}

// Status returns a session snapshot.
func (c *Client) Status(ctx context.Context, sid interfaces.SessionID) (protocol.SessionSnapshot, error) {
	var snap protocol.SessionSnapshot
	err := c.Call(ctx, protocol.MethodStatus, protocol.StatusParams{SessionID: sid}, &snap)
	return snap, err
}

// Send routes an envelope.
func (c *Client) Send(ctx context.Context, p protocol.SendParams) (protocol.SendResult, error) {
	var res protocol.SendResult
	err := c.Call(ctx, protocol.MethodSend, p, &res)
	return res, err
}

// Broadcast sends payload to every other joined member.
func (c *Client) Broadcast(ctx context.Context, sid interfaces.SessionID, payload json.RawMessage) (protocol.SendResult, error) {
	return c.Send(ctx, protocol.SendParams{SessionID: sid, Target: protocol.Broadcast, Payload: payload})
}

// SendDirect sends payload to a single member.
func (c *Client) SendDirect(ctx context.Context, sid interfaces.SessionID, to interfaces.PartyID, payload json.RawMessage) (protocol.SendResult, error) {
	return c.Send(ctx, protocol.SendParams{SessionID: sid, Target: protocol.DirectTo(to), Payload: payload})
}
