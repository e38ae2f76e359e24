package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentmesh/agent-hub/config"
	"github.com/agentmesh/agent-hub/internal/adapter/pubsub"
	"github.com/agentmesh/agent-hub/internal/dispatch"
	"github.com/agentmesh/agent-hub/internal/domain/event"
	"github.com/agentmesh/agent-hub/internal/domain/model"
	"github.com/agentmesh/agent-hub/internal/domain/registry"
	"github.com/agentmesh/agent-hub/internal/engine"
	"github.com/agentmesh/agent-hub/internal/service"
)

func newTestServer(t *testing.T) *Server {
	return newTestServerTuned(t, nil)
}

func newTestServerTuned(t *testing.T, tune func(cfg *config.Config)) *Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &config.Config{Enhanced: true}
	cfg.Push.Host = "127.0.0.1"
	cfg.Push.Port = 0
	cfg.Delivery.Timeout = 100 * time.Millisecond
	cfg.Delivery.AckTimeout = 5 * time.Second
	cfg.Delivery.MaxRetries = 3
	cfg.Delivery.BaseBackoff = 20 * time.Millisecond
	cfg.Session.HeartbeatTimeout = time.Minute
	cfg.Session.MailboxSize = 64
	cfg.Sweeper.Interval = time.Minute
	cfg.Sweeper.EvictionAge = 5 * time.Minute
	if tune != nil {
		tune(cfg)
	}

	bus := pubsub.NewBus(log)
	reg := registry.NewHub(registry.WithEventSink(bus), registry.WithLogger(log))
	fabric := dispatch.New(reg, bus, log)
	eng := engine.New(engine.Config{
		DeliveryTimeout: cfg.Delivery.Timeout,
		AckTimeout:      cfg.Delivery.AckTimeout,
		MaxRetries:      cfg.Delivery.MaxRetries,
		BaseBackoff:     cfg.Delivery.BaseBackoff,
		SweepInterval:   cfg.Sweeper.Interval,
		EvictionAge:     cfg.Sweeper.EvictionAge,
		Enhanced:        cfg.Enhanced,
	}, reg, fabric, engine.WithLogger(log))
	hub := service.NewHub(cfg, reg, eng, bus)
	srv := NewServer(cfg, hub, bus, log)

	ctx := context.Background()
	if err := hub.Start(ctx); err != nil {
		t.Fatalf("hub start: %v", err)
	}
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("server start: %v", err)
	}
	t.Cleanup(func() {
		srv.Stop(context.Background())
		hub.Stop(context.Background())
	})
	return srv
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

// dial connects and consumes the welcome frame.
func dialClient(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn}
	welcome := c.expect("connection.welcome")
	if sid, _ := welcome["sessionId"].(string); sid == "" {
		t.Fatalf("welcome without session id: %v", welcome)
	}
	return c
}

func (c *testClient) send(v any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(v); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) sendRaw(data string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// expect reads frames until one of the wanted type arrives. Unrelated
// frames (presence chatter and the like) are skipped.
func (c *testClient) expect(frameType string) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		c.conn.SetReadDeadline(deadline)
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("waiting for %q: %v", frameType, err)
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			c.t.Fatalf("decode frame: %v", err)
		}
		if frame["type"] == frameType {
			return frame
		}
	}
}

func (c *testClient) register(agentID string) {
	c.t.Helper()
	c.send(map[string]any{"type": "register", "agentId": agentID})
	reply := c.expect("registration.success")
	if reply["agentId"] != agentID {
		c.t.Fatalf("registered as %v, want %s", reply["agentId"], agentID)
	}
}

func TestPushServerEndToEnd(t *testing.T) {
	srv := newTestServer(t)

	alice := dialClient(t, srv)
	alice.register("alice")
	bob := dialClient(t, srv)
	bob.register("bob")

	alice.send(map[string]any{
		"type":    "send_message",
		"to":      "bob",
		"content": "hi bob",
	})
	sent := alice.expect("message.sent")
	msgID, _ := sent["messageId"].(string)
	if msgID == "" {
		t.Fatalf("message.sent without id: %v", sent)
	}

	received := bob.expect("message.received")
	if received["from"] != "alice" || received["content"] != "hi bob" {
		t.Fatalf("unexpected delivery: %v", received)
	}
	if received["messageId"] != msgID {
		t.Fatalf("delivered id %v, want %s", received["messageId"], msgID)
	}
	if received["requiresAck"] != true {
		t.Fatalf("content message should require ack: %v", received)
	}

	// The ack comes back to the sender as a synthesized confirmation.
	bob.send(map[string]any{"type": "acknowledge", "messageId": msgID})
	confirm := alice.expect("message.received")
	payload, _ := confirm["content"].(map[string]any)
	if payload["confirms"] != model.DeliveryConfirmed || payload["by"] != "bob" {
		t.Fatalf("unexpected confirmation: %v", confirm)
	}

	bob.send(map[string]any{"type": "read_receipt", "messageId": msgID})
	confirm = alice.expect("message.received")
	payload, _ = confirm["content"].(map[string]any)
	if payload["confirms"] != model.ReadConfirmed {
		t.Fatalf("unexpected read confirmation: %v", confirm)
	}

	// Terminal state stays queryable after eviction.
	alice.send(map[string]any{"type": "get_status", "messageId": msgID})
	status := alice.expect("status.response")
	if status["found"] != true {
		t.Fatalf("message status lost: %v", status)
	}
	msg, _ := status["message"].(map[string]any)
	if msg["status"] != string(model.StatusRead) {
		t.Fatalf("final status %v, want read", msg["status"])
	}
}

func TestHeartbeatAndStats(t *testing.T) {
	srv := newTestServer(t)

	c := dialClient(t, srv)
	c.register("alice")

	c.send(map[string]any{"type": "heartbeat"})
	ack := c.expect("heartbeat.ack")
	if ts, _ := ack["timestamp"].(string); ts == "" {
		t.Fatalf("heartbeat.ack without timestamp")
	}

	c.send(map[string]any{"type": "get_status"})
	status := c.expect("status.response")
	stats, _ := status["stats"].(map[string]any)
	if stats == nil {
		t.Fatalf("stats missing: %v", status)
	}
	if stats["connected_sessions"] != float64(1) {
		t.Fatalf("expected 1 connected session, got %v", stats["connected_sessions"])
	}
}

func TestAgentStatusQuery(t *testing.T) {
	srv := newTestServer(t)

	c := dialClient(t, srv)
	c.register("alice")

	c.send(map[string]any{"type": "get_status", "agentId": "alice"})
	status := c.expect("status.response")
	agent, _ := status["agent"].(map[string]any)
	if agent == nil || agent["online"] != true {
		t.Fatalf("alice should be online: %v", status)
	}

	c.send(map[string]any{"type": "get_status", "agentId": "nobody"})
	status = c.expect("status.response")
	if status["found"] != false {
		t.Fatalf("unknown agent reported found: %v", status)
	}
}

func TestHeartbeatExpiryClosesSession(t *testing.T) {
	srv := newTestServerTuned(t, func(cfg *config.Config) {
		cfg.Session.HeartbeatTimeout = 300 * time.Millisecond
	})

	offline, err := srv.bus.Subscribe(context.Background(), event.TopicAgentOffline)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	c := dialClient(t, srv)
	c.register("alice")

	// Silence past the timeout: the reaper closes the socket with a final
	// TIMEOUT frame.
	closed := c.expect("connection.closed")
	if closed["code"] != "TIMEOUT" {
		t.Fatalf("close code %v, want TIMEOUT", closed["code"])
	}

	select {
	case ev := <-offline:
		if ev.AgentID != "alice" {
			t.Fatalf("agent.offline for %q, want alice", ev.AgentID)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("agent.offline never published")
	}

	// The offline transition fires exactly once.
	select {
	case ev := <-offline:
		t.Fatalf("second agent.offline published: %+v", ev)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestSendRequiresRegistration(t *testing.T) {
	srv := newTestServer(t)

	c := dialClient(t, srv)
	c.send(map[string]any{"type": "send_message", "to": "bob", "content": "x"})
	errFrame := c.expect("error")
	if msg, _ := errFrame["message"].(string); msg == "" {
		t.Fatalf("error frame without message")
	}
}

func TestMalformedFrameKeepsSocket(t *testing.T) {
	srv := newTestServer(t)

	c := dialClient(t, srv)
	c.sendRaw("this is not json")
	c.expect("error")

	c.sendRaw(`{"content": "no type"}`)
	c.expect("error")

	// The socket survives malformed input.
	c.register("alice")
}

func TestRecipientListForms(t *testing.T) {
	srv := newTestServer(t)

	alice := dialClient(t, srv)
	alice.register("alice")
	bob := dialClient(t, srv)
	bob.register("bob")
	carol := dialClient(t, srv)
	carol.register("carol")

	// Array form targets several agents at once.
	alice.send(map[string]any{
		"type":    "send_message",
		"to":      []string{"bob", "carol"},
		"content": "group",
	})
	sent := alice.expect("message.sent")
	if sent["deliveryMode"] != string(model.ModeA2MA) {
		t.Fatalf("expected a2ma, got %v", sent["deliveryMode"])
	}
	bob.expect("message.received")
	carol.expect("message.received")

	// Broadcast token reaches everyone but the sender.
	alice.send(map[string]any{
		"type":    "send_message",
		"to":      "*",
		"content": "everyone",
	})
	sent = alice.expect("message.sent")
	if sent["deliveryMode"] != string(model.ModeBroadcast) {
		t.Fatalf("expected broadcast, got %v", sent["deliveryMode"])
	}
}

func TestLifecycleEventFanout(t *testing.T) {
	srv := newTestServer(t)

	alice := dialClient(t, srv)
	alice.register("alice")
	bob := dialClient(t, srv)
	bob.register("bob")

	// A third party subscribed to alice observes her message lifecycle.
	watcher := dialClient(t, srv)
	watcher.register("watcher")
	watcher.send(map[string]any{"type": "subscribe", "targetAgents": []string{"alice"}})
	watcher.expect("subscription.updated")

	alice.send(map[string]any{
		"type":    "send_message",
		"to":      "bob",
		"content": "observed",
	})
	sent := alice.expect("message.sent")
	msgID, _ := sent["messageId"].(string)

	confirmed := watcher.expect("delivery.confirmed")
	if confirmed["messageId"] != msgID {
		t.Fatalf("confirmed id %v, want %s", confirmed["messageId"], msgID)
	}

	bob.expect("message.received")
	bob.send(map[string]any{"type": "acknowledge", "messageId": msgID})
	acked := watcher.expect("message.acknowledged")
	if acked["agentId"] != "bob" {
		t.Fatalf("acknowledged by %v, want bob", acked["agentId"])
	}

	// Unsubscribing silences the stream.
	watcher.send(map[string]any{"type": "unsubscribe", "targetAgentId": "alice"})
	updated := watcher.expect("subscription.updated")
	agents, _ := updated["targetAgents"].([]any)
	for _, a := range agents {
		if a == "alice" {
			t.Fatalf("alice still subscribed: %v", updated)
		}
	}
}

func TestHTTPEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
	var health model.Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || len(health.Features) == 0 {
		t.Fatalf("unexpected health: %+v", health)
	}

	resp2, err := http.Get("http://" + srv.Addr() + "/stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d", resp2.StatusCode)
	}
}
