// Package main provides a CI-friendly smoke test for the Warden realtime surface.
//
// It validates:
//   - session issuance through /internal/session/create
//   - handshake + subprotocol selection
//   - connection_established + authenticate -> session_registered
//   - heartbeat acceptance
//   - superseding login delivering session_terminated to the old channel
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "warden/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "warden.realtime.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	channelID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL      = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL     = flag.String("api", "http://127.0.0.1:8080", "HTTP API base URL")
		origin     = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		adminToken = flag.String("admin-token", os.Getenv("WARDEN_ADMIN_TOKEN"), "Bearer token for /internal and /admin")
		account    = flag.String("account", "smoke-account-1", "Account ID to exercise")
		timeout    = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*adminToken) == "" {
		fatalf("missing -admin-token (or WARDEN_ADMIN_TOKEN)")
	}

	root := context.Background()

	tokenA := mustCreateSession(root, *apiURL, *adminToken, *account, *timeout)

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	mustAuthenticate(root, a, tokenA, *account, *timeout)
	if *verbose {
		fmt.Printf("registered: A channel=%s account=%s\n", a.channelID, *account)
	}

	mustHeartbeat(root, a, *timeout)

	// A second login supersedes the canonical session; the old channel must
	// hear about it.
	tokenB := mustCreateSession(root, *apiURL, *adminToken, *account, *timeout)

	term := a.mustReadUntilType(root, v1.TypeSessionTerminated, *timeout, nil)
	var tp v1.SessionTerminatedPayload
	if err := json.Unmarshal(term.Data, &tp); err != nil {
		fatalf("unmarshal session_terminated payload: %v", err)
	}
	if tp.Reason != "superseded" {
		fatalf("terminated reason mismatch: got=%q want=%q", tp.Reason, "superseded")
	}
	if strings.TrimSpace(tp.Message) == "" {
		fatalf("terminated notice missing message")
	}

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	mustAuthenticate(root, b, tokenB, *account, *timeout)

	// The superseded token must no longer authenticate.
	c := mustConnect(root, "C", *wsURL, *origin, *timeout)
	defer closeWS(c.conn)
	mustAuthRejected(root, c, tokenA, *timeout)

	fmt.Printf("OK: account=%s A=%s B=%s\n", *account, a.channelID, b.channelID)
}

func mustCreateSession(parent context.Context, apiURL, adminToken, account string, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"account_id": account})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(apiURL, "/")+"/internal/session/create", bytes.NewReader(body))
	if err != nil {
		fatalf("build create request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("session create: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode != http.StatusCreated {
		fatalf("session create status=%d body=%s", resp.StatusCode, string(raw))
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		fatalf("unmarshal create response: %v", err)
	}
	if strings.TrimSpace(out.Token) == "" {
		fatalf("create response missing token")
	}
	return out.Token
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := c.mustReadUntilType(parent, v1.TypeConnectionEstablished, stepTimeout, nil)

	var p v1.ConnectionEstablishedPayload
	if err := json.Unmarshal(hello.Data, &p); err != nil {
		fatalf("unmarshal connection_established payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.ChannelID) == "" {
		fatalf("connection_established missing channel_id (%s)", name)
	}
	c.channelID = p.ChannelID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustAuthenticate(parent context.Context, c *smokeClient, token, account string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:         v1.Version,
		Type:      v1.TypeAuthenticate,
		ID:        fmt.Sprintf("%s-auth", c.name),
		Timestamp: time.Now().UTC(),
		Data:      mustJSON(v1.AuthenticatePayload{CredentialToken: token}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeNewAddressDetected: {}}
	ack := c.mustReadUntilType(parent, v1.TypeSessionRegistered, stepTimeout, skip)

	var p v1.SessionRegisteredPayload
	if err := json.Unmarshal(ack.Data, &p); err != nil {
		fatalf("unmarshal session_registered payload (%s): %v", c.name, err)
	}
	if p.AccountID != account {
		fatalf("registered account mismatch (%s): got=%q want=%q", c.name, p.AccountID, account)
	}
}

func mustAuthRejected(parent context.Context, c *smokeClient, token string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:         v1.Version,
		Type:      v1.TypeAuthenticate,
		ID:        fmt.Sprintf("%s-auth", c.name),
		Timestamp: time.Now().UTC(),
		Data:      mustJSON(v1.AuthenticatePayload{CredentialToken: token}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for auth_error (%s): %v", c.name, ctx.Err())
		case <-c.errCh:
			// Server closed the channel after rejecting; good enough.
			return
		case env, ok := <-c.inbox:
			if !ok {
				return
			}
			if env.Type == v1.TypeAuthError {
				return
			}
			if env.Type == v1.TypeSessionRegistered {
				fatalf("superseded token unexpectedly accepted (%s)", c.name)
			}
		}
	}
}

func mustHeartbeat(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:         v1.Version,
		Type:      v1.TypeHeartbeat,
		ID:        fmt.Sprintf("%s-hb", c.name),
		Timestamp: time.Now().UTC(),
		Data:      mustJSON(v1.HeartbeatPayload{}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	// No reply expected; just ensure no auth_error comes back.
	mustAssertNoType(parent, c, v1.TypeAuthError, 750*time.Millisecond)
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeAuthError {
				var ep v1.AuthErrorPayload
				_ = json.Unmarshal(env.Data, &ep)
				fatalf("server error (%s): %q", c.name, ep.Error)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
