package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"warden/cmd/internal/netinfo"
	"warden/cmd/internal/session"
	v1 "warden/shared/contracts/realtime/v1"
)

const (
	wsSubprotocolV1 = "warden.realtime.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsDefaultAuthTimeout  = 10 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// SessionValidator checks an opaque credential token and returns the
// canonical session it belongs to (nil on miss). Satisfied by *session.Service.
type SessionValidator interface {
	Validate(ctx context.Context, now time.Time, token string) (*session.Info, error)
}

// WSGateway is the WebSocket entrypoint for Warden realtime channels.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and an authenticate-first handshake: the first envelope on a fresh channel
// must be AUTHENTICATE, delivered within the auth deadline.
type WSGateway struct {
	log      *slog.Logger
	registry *Registry
	sessions SessionValidator

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	authTimeout     time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
// When registry/sessions are nil, it falls back to in-memory implementations for dev.
func NewWSGateway(log *slog.Logger, reg *Registry, sessions SessionValidator) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if reg == nil {
		reg = NewRegistry(log, NewInMemoryAddressStore(), nil, nil, 0)
	}
	if sessions == nil {
		sessions = session.NewService(session.DefaultConfig(), session.NewInMemoryStore(), nil, log)
	}

	g := &WSGateway{log: log, registry: reg, sessions: sessions}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("WARDEN_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("WARDEN_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("WARDEN_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// IMPORTANT:
	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("WARDEN_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("WARDEN_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)
	g.authTimeout = envDurationWS("WARDEN_WS_AUTH_TIMEOUT", wsDefaultAuthTimeout)

	g.sendQueueSize = envIntWS("WARDEN_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("WARDEN_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("WARDEN_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("WARDEN_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("WARDEN_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket channel and runs the control loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	channelID := NewRandomHex(10)
	ch := NewChannel(channelID, "", netinfo.ClientAddress(r), netinfo.UserAgentSummary(r.UserAgent()), g.sendQueueSize, time.Now().UTC())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce  sync.Once
		registered bool
	)

	// shutdown is idempotent. It does NOT close ch.Send.
	// Fanout safety: ch.Send remains open and registry removal happens here,
	// so the broadcasters never race a close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			ch.CloseWithReason(reason)

			if registered {
				dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
				g.registry.OnDisconnect(dctx, ch)
				dcancel()
			}

			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ch.Done():
				// Flush what is already queued (terminate notices) before
				// the connection goes away.
				g.drainSend(conn, ch)
				return
			case env := <-ch.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "channel_id", channelID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	// done-watcher: the registry closes channels out-of-band (forced logout,
	// address eviction, inactivity sweep). Turn that into a socket close.
	go func() {
		select {
		case <-ctx.Done():
		case <-ch.Done():
			<-writerDone
			shutdown(websocket.StatusNormalClosure, ch.CloseReason())
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "channel_id", channelID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	helloPayload, _ := json.Marshal(v1.ConnectionEstablishedPayload{ChannelID: channelID})
	if !g.enqueue(ctx, ch, newEnvelope(v1.TypeConnectionEstablished, helloPayload, time.Now().UTC())) {
		shutdown(websocket.StatusAbnormalClosure, "hello failed")
		return
	}

readLoop:
	for {
		idle := g.readIdleTimeout
		if !registered {
			idle = g.authTimeout
		}

		readCtx, readCancel := context.WithTimeout(ctx, idle)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				if !registered && ctx.Err() == nil {
					g.trySendAuthError(ctx, ch, "authentication timed out")
					shutdown(websocket.StatusPolicyViolation, "auth timeout")
					break readLoop
				}
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendAuthError(ctx, ch, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "channel_id", channelID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendAuthError(ctx, ch, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendAuthError(ctx, ch, err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeAuthenticate:
			if registered {
				g.trySendAuthError(ctx, ch, "already authenticated")
				continue readLoop
			}
			if err := g.onAuthenticate(ctx, ch, env, now); err != nil {
				g.trySendAuthError(ctx, ch, err.Error())
				shutdown(websocket.StatusPolicyViolation, "auth failed")
				break readLoop
			}
			registered = true

		case v1.TypeHeartbeat:
			if !registered {
				g.trySendAuthError(ctx, ch, "authenticate first")
				continue readLoop
			}
			g.registry.Heartbeat(ctx, ch)

		default:
			g.trySendAuthError(ctx, ch, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onAuthenticate(ctx context.Context, ch *Channel, env v1.Envelope, now time.Time) error {
	var p v1.AuthenticatePayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	token := strings.TrimSpace(p.CredentialToken)
	if token == "" {
		return errors.New("missing credential_token")
	}

	info, err := g.sessions.Validate(ctx, now, token)
	if err != nil {
		g.log.Error("ws.auth.validate.fail", "channel_id", ch.ID, "err", err)
		return errors.New("validation unavailable")
	}
	if info == nil {
		return errors.New("invalid or expired credential")
	}

	ch.AccountID = info.AccountID

	if _, err := g.registry.Register(ctx, ch); err != nil {
		g.log.Error("ws.auth.register.fail", "channel_id", ch.ID, "account_id", info.AccountID, "err", err)
		return errors.New("registration unavailable")
	}

	ackPayload, _ := json.Marshal(v1.SessionRegisteredPayload{AccountID: info.AccountID})
	if !g.enqueue(ctx, ch, newEnvelope(v1.TypeSessionRegistered, ackPayload, now)) {
		return errors.New("backpressure: registered ack")
	}
	return nil
}

// ---- send helpers ----

func (g *WSGateway) trySendAuthError(ctx context.Context, ch *Channel, msg string) {
	p, _ := json.Marshal(v1.AuthErrorPayload{Error: msg})
	_ = g.enqueue(ctx, ch, newEnvelope(v1.TypeAuthError, p, time.Now().UTC()))
}

func (g *WSGateway) enqueue(ctx context.Context, ch *Channel, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-ch.Done():
		return false
	case ch.Send <- env:
		return true
	default:
		return false
	}
}

// drainSend writes whatever is already queued, best effort, bounded by the
// queue size. Used after the channel is closed so terminate notices land.
func (g *WSGateway) drainSend(conn *websocket.Conn, ch *Channel) {
	deadline := time.Now().Add(wsCloseGrace)
	for i := 0; i < cap(ch.Send); i++ {
		select {
		case env := <-ch.Send:
			ctx, cancel := context.WithDeadline(context.Background(), deadline)
			err := writeEnvelope(ctx, conn, env, g.writeTimeout)
			cancel()
			if err != nil {
				return
			}
		default:
			return
		}
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, data json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:         v1.Version,
		Type:      typ,
		ID:        NewRandomHex(10),
		Timestamp: ts,
		Data:      data,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
