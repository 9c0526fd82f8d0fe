package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"warden/cmd/internal/session"
	v1 "warden/shared/contracts/realtime/v1"
)

func newTestGateway(t *testing.T) (*WSGateway, *session.Service, *Registry) {
	t.Helper()

	t.Setenv("WARDEN_WS_ORIGIN_REQUIRED", "false")
	t.Setenv("WARDEN_WS_AUTH_TIMEOUT", "5s")
	t.Setenv("WARDEN_WS_HEARTBEAT_INTERVAL", "1m")

	log := testLogger()
	sessions := session.NewService(session.DefaultConfig(), session.NewInMemoryStore(), nil, log)
	reg := NewRegistry(log, NewInMemoryAddressStore(), nil, sessions, 0)
	gw := NewWSGateway(log, reg, sessions)
	return gw, sessions, reg
}

func dialWS(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(httpURL, "http")
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	conn.SetReadLimit(maxFrameBytes)
	return conn
}

func readWSEnvelope(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func writeWSEnvelope(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func authenticateEnvelope(t *testing.T, token string) v1.Envelope {
	t.Helper()

	data, err := json.Marshal(v1.AuthenticatePayload{CredentialToken: token})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return v1.Envelope{V: v1.Version, Type: v1.TypeAuthenticate, Timestamp: time.Now().UTC(), Data: data}
}

func TestWSGateway_HandshakeRegistersChannel(t *testing.T) {
	gw, sessions, reg := newTestGateway(t)
	ts := httptest.NewServer(gw)
	defer ts.Close()

	issued, err := sessions.Create(context.Background(), time.Now().UTC(), "acct-1", "203.0.113.9", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	conn := dialWS(t, ts.URL)

	hello := readWSEnvelope(t, conn)
	if hello.Type != v1.TypeConnectionEstablished {
		t.Fatalf("first envelope %q, want %q", hello.Type, v1.TypeConnectionEstablished)
	}
	var helloPayload v1.ConnectionEstablishedPayload
	if err := json.Unmarshal(hello.Data, &helloPayload); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if helloPayload.ChannelID == "" {
		t.Fatalf("empty channel id")
	}

	writeWSEnvelope(t, conn, authenticateEnvelope(t, issued.Token))

	ack := readWSEnvelope(t, conn)
	if ack.Type != v1.TypeSessionRegistered {
		t.Fatalf("ack envelope %q, want %q", ack.Type, v1.TypeSessionRegistered)
	}
	var ackPayload v1.SessionRegisteredPayload
	if err := json.Unmarshal(ack.Data, &ackPayload); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ackPayload.AccountID != "acct-1" {
		t.Fatalf("ack account %q, want acct-1", ackPayload.AccountID)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(reg.ChannelsFor("acct-1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("channel never appeared in the registry")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Heartbeats are accepted quietly once registered.
	writeWSEnvelope(t, conn, v1.Envelope{V: v1.Version, Type: v1.TypeHeartbeat, Timestamp: time.Now().UTC()})
}

func TestWSGateway_InvalidTokenRejected(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	ts := httptest.NewServer(gw)
	defer ts.Close()

	conn := dialWS(t, ts.URL)

	if env := readWSEnvelope(t, conn); env.Type != v1.TypeConnectionEstablished {
		t.Fatalf("first envelope %q", env.Type)
	}

	writeWSEnvelope(t, conn, authenticateEnvelope(t, "not-a-real-token"))

	env := readWSEnvelope(t, conn)
	if env.Type != v1.TypeAuthError {
		t.Fatalf("rejection envelope %q, want %q", env.Type, v1.TypeAuthError)
	}

	// The gateway closes the socket after a failed handshake.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatalf("socket still open after auth failure")
	}
}

func TestWSGateway_HeartbeatBeforeAuthRejected(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	ts := httptest.NewServer(gw)
	defer ts.Close()

	conn := dialWS(t, ts.URL)

	if env := readWSEnvelope(t, conn); env.Type != v1.TypeConnectionEstablished {
		t.Fatalf("first envelope %q", env.Type)
	}

	writeWSEnvelope(t, conn, v1.Envelope{V: v1.Version, Type: v1.TypeHeartbeat, Timestamp: time.Now().UTC()})

	env := readWSEnvelope(t, conn)
	if env.Type != v1.TypeAuthError {
		t.Fatalf("envelope %q, want %q", env.Type, v1.TypeAuthError)
	}
}

func TestWSGateway_OriginPolicyRejectsDisallowed(t *testing.T) {
	t.Setenv("WARDEN_WS_ORIGIN_REQUIRED", "true")
	t.Setenv("WARDEN_WS_ALLOWED_ORIGINS", "http://localhost")

	log := testLogger()
	gw := NewWSGateway(log, nil, nil)
	ts := httptest.NewServer(gw)
	defer ts.Close()

	// Missing Origin.
	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("missing origin status = %d, want 403", resp.StatusCode)
	}

	// Disallowed Origin.
	req, err = http.NewRequest(http.MethodGet, ts.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "http://evil.test")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("bad origin status = %d, want 403", resp.StatusCode)
	}
}

func TestWSGateway_ForcedCloseDeliversReason(t *testing.T) {
	gw, sessions, reg := newTestGateway(t)
	ts := httptest.NewServer(gw)
	defer ts.Close()

	issued, err := sessions.Create(context.Background(), time.Now().UTC(), "acct-1", "203.0.113.9", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	conn := dialWS(t, ts.URL)
	if env := readWSEnvelope(t, conn); env.Type != v1.TypeConnectionEstablished {
		t.Fatalf("first envelope %q", env.Type)
	}
	writeWSEnvelope(t, conn, authenticateEnvelope(t, issued.Token))
	if env := readWSEnvelope(t, conn); env.Type != v1.TypeSessionRegistered {
		t.Fatalf("ack envelope %q", env.Type)
	}

	deadline := time.Now().Add(2 * time.Second)
	for reg.ForceDisconnect("acct-1", "manual") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no registered channel to disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The socket closes shortly after the registry-side close.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}
