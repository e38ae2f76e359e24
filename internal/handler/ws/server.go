// Package ws is the push transport: one websocket per agent instance,
// JSON frames both ways, hub events fanned out to subscribed sessions.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentmesh/agent-hub/config"
	"github.com/agentmesh/agent-hub/internal/adapter/pubsub"
	"github.com/agentmesh/agent-hub/internal/domain/event"
	"github.com/agentmesh/agent-hub/internal/domain/model"
	"github.com/agentmesh/agent-hub/internal/domain/registry"
	wsmarshaller "github.com/agentmesh/agent-hub/internal/handler/marshaller/ws"
	"github.com/agentmesh/agent-hub/internal/service"
)

// eventPushTimeout bounds the mailbox handoff for lifecycle frames. A
// slow consumer falls through to priority eviction, never blocks fanout.
const eventPushTimeout = time.Second

// Server accepts push sessions and translates frames to facade calls.
type Server struct {
	cfg *config.Config
	hub service.Hubber
	bus *pubsub.Bus
	log *slog.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	ln       net.Listener

	mu       sync.RWMutex
	sessions map[uuid.UUID]*session

	cancel context.CancelFunc
}

func NewServer(cfg *config.Config, hub service.Hubber, bus *pubsub.Bus, log *slog.Logger) *Server {
	return &Server{
		cfg: cfg,
		hub: hub,
		bus: bus,
		log: log.With("component", "push"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[uuid.UUID]*session),
	}
}

// snapshot copies the live session list so fanout never holds the map
// lock across socket operations.
func (s *Server) snapshot() []*session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Start binds the listen address and serves in the background. It
// returns once the port is bound, so callers can connect immediately.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Push.Addr())
	if err != nil {
		return err
	}
	s.ln = ln

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)

	s.httpSrv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("push server stopped", "err", err)
		}
	}()
	go s.reap(loopCtx)
	if err := s.consume(loopCtx); err != nil {
		cancel()
		return err
	}

	s.log.Info("push server listening", "addr", ln.Addr().String())
	return nil
}

// Addr reports the bound listen address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop closes every session with a shutdown frame and stops serving.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	for _, sess := range s.snapshot() {
		sess.close("server shutting down", "SHUTDOWN")
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeBody(w, http.StatusOK, s.hub.Health())
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeBody(w, http.StatusOK, s.hub.Stats())
}

func writeBody(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", "err", err)
		return
	}

	sess := newSession(sock, s.log)
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	defer s.teardown(sess)

	if err := sess.writeJSON(welcomeFrame{
		Type:      "connection.welcome",
		SessionID: sess.id.String(),
		Features:  service.Features,
	}); err != nil {
		return
	}

	s.readLoop(r.Context(), sess)
}

func (s *Server) teardown(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	if agentID, instanceID, conn := sess.identity(); conn != nil {
		s.hub.Unregister(agentID, instanceID, conn.GetID())
	}
	sess.close("", "")
}

func (s *Server) readLoop(ctx context.Context, sess *session) {
	for {
		_, data, err := sess.sock.ReadMessage()
		if err != nil {
			return
		}

		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			sess.writeError("malformed frame: invalid JSON")
			continue
		}
		if f.Type == "" {
			sess.writeError("malformed frame: missing type")
			continue
		}

		sess.touchBeat()
		if agentID, instanceID, conn := sess.identity(); conn != nil {
			s.hub.Touch(agentID, instanceID)
		}
		s.handleFrame(ctx, sess, &f)
	}
}

func (s *Server) handleFrame(ctx context.Context, sess *session, f *clientFrame) {
	switch f.Type {
	case "register":
		s.onRegister(ctx, sess, f)
	case "subscribe":
		if !sess.registered() {
			sess.writeError("register first")
			return
		}
		subs := sess.subscribe(f.TargetAgents)
		_ = sess.writeJSON(subscriptionFrame{Type: "subscription.updated", TargetAgents: subs})
	case "unsubscribe":
		if !sess.registered() {
			sess.writeError("register first")
			return
		}
		subs := sess.unsubscribe(f.TargetAgentID)
		_ = sess.writeJSON(subscriptionFrame{Type: "subscription.updated", TargetAgents: subs})
	case "send_message":
		s.onSend(ctx, sess, f)
	case "acknowledge":
		s.onAck(ctx, sess, f, model.AckDelivery)
	case "read_receipt":
		s.onAck(ctx, sess, f, model.AckRead)
	case "heartbeat":
		_ = sess.writeJSON(heartbeatAckFrame{
			Type:      "heartbeat.ack",
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		})
	case "get_status":
		s.onStatus(sess, f)
	default:
		sess.writeError("unknown frame type: " + f.Type)
	}
}

func (s *Server) onRegister(ctx context.Context, sess *session, f *clientFrame) {
	if sess.registered() {
		sess.writeError("session already registered")
		return
	}

	conn, inst, err := s.hub.Register(ctx, model.RegisterRequest{
		AgentID:      f.AgentID,
		InstanceID:   f.InstanceID,
		Capabilities: f.Capabilities,
		SessionID:    sess.id,
		Token:        f.Token,
	})
	if err != nil {
		sess.writeError("registration failed: " + err.Error())
		return
	}
	if !sess.bind(inst.AgentID, inst.InstanceID, conn) {
		conn.Close()
		sess.writeError("session already registered")
		return
	}

	// Sessions always follow the lifecycle of their own agent.
	sess.subscribe([]string{inst.AgentID})

	go s.writePump(sess, conn)

	_ = sess.writeJSON(registeredFrame{
		Type:       "registration.success",
		AgentID:    inst.AgentID,
		InstanceID: inst.InstanceID,
		SessionID:  sess.id.String(),
	})
}

func (s *Server) onSend(ctx context.Context, sess *session, f *clientFrame) {
	agentID, _, conn := sess.identity()
	if conn == nil {
		sess.writeError("register first")
		return
	}

	to, err := f.recipients()
	if err != nil {
		sess.writeError(err.Error())
		return
	}

	msg, err := s.hub.Send(ctx, model.SendRequest{
		From:                agentID,
		To:                  to,
		Broadcast:           f.Broadcast,
		Content:             f.Content,
		Type:                model.MessageType(f.MessageType),
		Priority:            model.Priority(f.Priority),
		RequiresAck:         f.RequiresAck,
		RequiresReadReceipt: f.RequiresReadReceipt,
		Metadata:            f.Metadata,
	})
	if err != nil {
		sess.writeError("send failed: " + err.Error())
		return
	}

	_ = sess.writeJSON(sentFrame{
		Type:         "message.sent",
		MessageID:    msg.ID,
		Status:       string(msg.Status),
		DeliveryMode: string(msg.DeliveryMode),
	})
}

// onAck forwards a confirmation. Acks are fire-and-forget on the wire:
// duplicates and unknown ids are swallowed, never answered.
func (s *Server) onAck(ctx context.Context, sess *session, f *clientFrame, kind model.AckKind) {
	agentID, instanceID, conn := sess.identity()
	if conn == nil {
		sess.writeError("register first")
		return
	}
	if f.MessageID == "" {
		sess.writeError("messageId is required")
		return
	}
	s.hub.Ack(ctx, model.Ack{
		MessageID:    f.MessageID,
		Kind:         kind,
		From:         agentID,
		FromInstance: instanceID,
	})
}

func (s *Server) onStatus(sess *session, f *clientFrame) {
	agentID := f.AgentID
	if agentID == "" {
		agentID = f.TargetAgentID
	}

	resp := statusFrame{Type: "status.response"}
	switch {
	case f.MessageID != "":
		m, ok := s.hub.MessageStatus(f.MessageID)
		resp.Found = ok
		resp.Message = m
	case agentID != "":
		st := s.hub.AgentStatus(agentID)
		resp.Found = len(st.Instances) > 0
		resp.Agent = &st
	default:
		stats := s.hub.Stats()
		resp.Found = true
		resp.Stats = &stats
	}
	_ = sess.writeJSON(resp)
}

// writePump drains the session mailbox onto the socket. The channel
// closes when the hub evicts the session (replacement or shutdown); the
// pump then emits the final close frame.
func (s *Server) writePump(sess *session, conn registry.Connector) {
	for p := range conn.Recv() {
		b, err := wsmarshaller.MarshallPush(p)
		if err != nil {
			sess.log.Error("push marshal failed", "err", err)
			continue
		}
		if err := sess.writeRaw(b); err != nil {
			sess.log.Debug("push write failed", "err", err)
			return
		}
	}
	sess.close("session superseded or hub stopped", "EVICTED")
}

// reap closes sessions whose heartbeat went silent past the configured
// timeout. Anonymous sessions get the same budget to register.
func (s *Server) reap(ctx context.Context) {
	interval := s.cfg.Session.HeartbeatTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sess := range s.snapshot() {
				if sess.beatAge() > s.cfg.Session.HeartbeatTimeout {
					sess.log.Info("session heartbeat expired")
					sess.close("heartbeat timeout", "TIMEOUT")
				}
			}
		}
	}
}

// consume subscribes to the lifecycle topics and fans events out to
// sessions: presence to everyone, message lifecycle to sessions whose
// subscription set the event concerns.
func (s *Server) consume(ctx context.Context) error {
	for _, topic := range event.MessageTopics {
		ch, err := s.bus.Subscribe(ctx, topic)
		if err != nil {
			return err
		}
		go s.route(ctx, ch, false)
	}
	for _, topic := range event.PresenceTopics {
		ch, err := s.bus.Subscribe(ctx, topic)
		if err != nil {
			return err
		}
		go s.route(ctx, ch, true)
	}
	return nil
}

func (s *Server) route(ctx context.Context, ch <-chan event.Event, toAll bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			frame := wsmarshaller.EventFrame(ev)
			prio := wsmarshaller.EventPriority(ev.Topic)
			for _, sess := range s.snapshot() {
				_, _, conn := sess.identity()
				if conn == nil {
					continue
				}
				if !toAll && !ev.Concerns(sess.subscriptions()) {
					continue
				}
				conn.Send(&model.Push{Frame: frame, Priority: prio}, eventPushTimeout)
			}
		}
	}
}
