package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-api/internal/dto"
	"github.com/parley-chat/parley-api/internal/models"
	"github.com/parley-chat/parley-api/internal/observability"
)

const (
	channelSendBufferSize = 32
	keepaliveInterval     = 30 * time.Second

	// defaultTypingIdleTimeout bounds how long a stale "is typing"
	// indicator survives a lost stop signal. Clients debounce at ~1s;
	// the server clears anything older than this.
	defaultTypingIdleTimeout = 4 * time.Second
)

// MessageEngine is the slice of the orchestrator the delivery channel
// needs to handle inbound frames.
type MessageEngine interface {
	Send(ctx context.Context, senderID string, payload dto.SendRequest) (dto.MessageResponse, error)
	MarkSeen(ctx context.Context, userID string, payload dto.MarkSeenRequest) (int64, error)
	SetReaction(ctx context.Context, userID string, payload dto.ReactionRequest) (dto.MessageResponse, error)
	RemoveReaction(ctx context.Context, userID string, payload dto.ReactionRemoveRequest) (dto.MessageResponse, error)
	Latest(ctx context.Context, roomID string) (dto.MessageResponse, bool)
}

// ConnectionOptions wraps metadata extracted during the HTTP upgrade.
type ConnectionOptions struct {
	UserID        string
	DisplayName   string
	RoomID        string
	CorrelationID string
	Context       context.Context
}

// ChannelService owns the delivery channel: per-client websocket
// sessions multiplexed into room groups, the presence and typing
// registries, and the redis/NATS bridge that links nodes together.
type ChannelService struct {
	engine       MessageEngine
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	hub          *channelHub
	presence     *presenceRegistry
	typing       *typingRegistry
	nodeID       string
}

type bridgeEvent struct {
	Source   string       `json:"source"`
	Envelope dto.Envelope `json:"envelope"`
	SentAt   time.Time    `json:"sent_at"`
}

// NewChannelService creates the delivery channel instance. typingIdle
// is the soft timeout after which a typing signal without a stop is
// cleared; zero picks the default.
func NewChannelService(engine MessageEngine, redisClient *redis.Client, channelBase string, natsConn *nats.Conn, typingIdle time.Duration, logger zerolog.Logger) *ChannelService {
	stream := ""
	subject := ""
	if channelBase != "" {
		stream = channelBase + ":events"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".events"
	}
	if typingIdle <= 0 {
		typingIdle = defaultTypingIdleTimeout
	}

	service := &ChannelService{
		engine:       engine,
		redis:        redisClient,
		redisChannel: stream,
		nats:         natsConn,
		natsSubject:  subject,
		logger:       logger.With().Str("component", "channel_service").Logger(),
		hub: &channelHub{
			rooms:   make(map[string]map[*channelClient]struct{}),
			clients: make(map[*channelClient]struct{}),
		},
		presence: &presenceRegistry{counts: make(map[string]int)},
		nodeID:   uuid.NewString(),
	}
	service.typing = newTypingRegistry(typingIdle, service.expireTyping)

	return service
}

// Start launches the cross-node bridge consumers.
func (s *ChannelService) Start(ctx context.Context) {
	if s.redis != nil && s.redisChannel != "" {
		go s.consumeRedis(ctx)
	}
	if s.nats != nil && s.natsSubject != "" {
		go s.consumeNATS(ctx)
	}
}

// ServeConnection binds a websocket to the hub and blocks until it
// closes. Presence and typing cleanup happen strictly on disconnect.
func (s *ChannelService) ServeConnection(conn *websocket.Conn, opts ConnectionOptions) {
	baseCtx := opts.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	client := &channelClient{
		conn:    conn,
		send:    make(chan dto.Envelope, channelSendBufferSize),
		options: opts,
		service: s,
		rooms:   make(map[string]struct{}),
		closed:  make(chan struct{}),
		baseCtx: baseCtx,
	}

	s.hub.register(client)
	observability.ChatConnectionsActive().Inc()

	if s.presence.connect(opts.UserID) {
		s.fanoutPresence()
	} else {
		// The set did not change; only the new connection needs the snapshot.
		client.push(dto.NewEnvelope(dto.EventPresence, "", dto.PresenceEvent{Online: s.presence.online()}))
	}

	if opts.RoomID != "" {
		s.joinRoom(client, opts.RoomID)
	}

	go client.writer()
	client.reader()
}

// Fanout delivers the envelope to every local subscriber of the room
// and publishes it on the bridge for other nodes.
func (s *ChannelService) Fanout(ctx context.Context, roomID string, envelope dto.Envelope) {
	s.hub.broadcast(roomID, envelope)
	s.publishBridge(ctx, envelope)
}

// fanoutPresence pushes the local online snapshot to every client on
// this node. Presence never crosses the bridge: each registry only
// counts its own connections, so a remote node's snapshot would
// wholesale-replace the local one and erase users connected here.
func (s *ChannelService) fanoutPresence() {
	s.hub.broadcastAll(dto.NewEnvelope(dto.EventPresence, "", dto.PresenceEvent{Online: s.presence.online()}))
}

// dispatch is the single inbound-event entry point per connection. It
// pattern-matches on event kind and calls the corresponding engine
// method; rejected frames bounce back as error events, never closes.
func (s *ChannelService) dispatch(client *channelClient, envelope dto.Envelope) {
	ctx := client.baseCtx
	userID := client.options.UserID

	switch envelope.Event {
	case dto.EventJoin:
		s.joinRoom(client, envelope.RoomID)

	case dto.EventLeave:
		s.leaveRoom(client, envelope.RoomID)

	case dto.EventSend:
		var payload dto.SendRequest
		if !client.decode(envelope, &payload) {
			return
		}
		if _, err := s.engine.Send(ctx, userID, payload); err != nil {
			client.reject(envelope.RoomID, "send_failed", err)
		}

	case dto.EventMarkSeen:
		var payload dto.MarkSeenRequest
		if !client.decode(envelope, &payload) {
			return
		}
		if _, err := s.engine.MarkSeen(ctx, userID, payload); err != nil {
			client.reject(payload.RoomID, "mark_seen_failed", err)
		}

	case dto.EventReactionAdd:
		var payload dto.ReactionRequest
		if !client.decode(envelope, &payload) {
			return
		}
		if _, err := s.engine.SetReaction(ctx, userID, payload); err != nil {
			client.reject(payload.RoomID, "reaction_failed", err)
		}

	case dto.EventReactionRemove:
		var payload dto.ReactionRemoveRequest
		if !client.decode(envelope, &payload) {
			return
		}
		if _, err := s.engine.RemoveReaction(ctx, userID, payload); err != nil {
			client.reject(payload.RoomID, "reaction_failed", err)
		}

	case dto.EventTyping:
		var payload dto.TypingEvent
		if !client.decode(envelope, &payload) {
			return
		}
		payload.UserID = userID
		if payload.DisplayName == "" {
			payload.DisplayName = client.options.DisplayName
		}
		if !models.RoomHasMember(payload.RoomID, userID) {
			client.reject(payload.RoomID, "not_authorised", ErrNotAuthorised)
			return
		}
		s.applyTyping(ctx, payload, true)

	default:
		client.reject(envelope.RoomID, "unknown_event", errors.New(envelope.Event))
	}
}

func (s *ChannelService) applyTyping(ctx context.Context, signal dto.TypingEvent, publish bool) {
	s.typing.set(signal)
	observability.TypingSignals().Inc()

	envelope := dto.NewEnvelope(dto.EventTyping, signal.RoomID, signal)
	s.hub.broadcast(signal.RoomID, envelope)
	if publish {
		s.publishBridge(ctx, envelope)
	}
}

// expireTyping is invoked by the registry's soft timeout when a stop
// signal never arrived.
func (s *ChannelService) expireTyping(signal dto.TypingEvent) {
	s.hub.broadcast(signal.RoomID, dto.NewEnvelope(dto.EventTyping, signal.RoomID, signal))
}

func (s *ChannelService) joinRoom(client *channelClient, roomID string) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" || !models.RoomHasMember(roomID, client.options.UserID) {
		client.reject(roomID, "not_authorised", ErrNotAuthorised)
		return
	}

	s.hub.join(client, roomID)
	client.trackRoom(roomID)

	// Prime the subscriber with the room's newest message so a
	// reconnecting client renders something before the history fetch.
	if latest, ok := s.engine.Latest(client.baseCtx, roomID); ok {
		client.push(dto.NewEnvelope(dto.EventMessage, roomID, latest))
	}

	s.logger.Debug().Str("room_id", roomID).Str("user_id", client.options.UserID).Msg("client joined room")
}

func (s *ChannelService) leaveRoom(client *channelClient, roomID string) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return
	}

	s.hub.leave(client, roomID)
	client.untrackRoom(roomID)

	for _, stop := range s.typing.clear(roomID, client.options.UserID) {
		s.hub.broadcast(stop.RoomID, dto.NewEnvelope(dto.EventTyping, stop.RoomID, stop))
	}
}

func (s *ChannelService) disconnect(client *channelClient) {
	for _, roomID := range client.joinedRooms() {
		s.hub.leave(client, roomID)
	}
	s.hub.unregister(client)
	observability.ChatConnectionsActive().Dec()

	for _, stop := range s.typing.clearUser(client.options.UserID) {
		s.hub.broadcast(stop.RoomID, dto.NewEnvelope(dto.EventTyping, stop.RoomID, stop))
	}

	if s.presence.disconnect(client.options.UserID) {
		s.fanoutPresence()
	}

	s.logger.Debug().Str("user_id", client.options.UserID).Msg("client disconnected")
}

func (s *ChannelService) publishBridge(ctx context.Context, envelope dto.Envelope) {
	if (s.redis == nil || s.redisChannel == "") && (s.nats == nil || s.natsSubject == "") {
		return
	}

	event := bridgeEvent{
		Source:   s.nodeID,
		Envelope: envelope,
		SentAt:   time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to marshal bridge event")
		return
	}

	if s.redis != nil && s.redisChannel != "" {
		if err := s.redis.Publish(ctx, s.redisChannel, payload).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to publish bridge event to redis")
		}
	}

	if s.nats != nil && s.natsSubject != "" {
		if err := s.nats.Publish(s.natsSubject, payload); err != nil {
			s.logger.Warn().Err(err).Msg("failed to publish bridge event to nats")
		}
	}
}

func (s *ChannelService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisChannel)
	defer func() {
		_ = pubsub.Close()
	}()
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error().Err(err).Msg("bridge redis subscription closed")
			return
		}
		s.handleBridge([]byte(msg.Payload))
	}
}

func (s *ChannelService) consumeNATS(ctx context.Context) {
	sub, err := s.nats.QueueSubscribe(s.natsSubject, "parley-events", func(msg *nats.Msg) {
		s.handleBridge(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats events subject")
		return
	}
	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain nats events subscription")
		}
	}()
}

func (s *ChannelService) handleBridge(data []byte) {
	var event bridgeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid bridge event")
		return
	}

	if event.Source == s.nodeID {
		return
	}

	envelope := event.Envelope
	if envelope.Event == dto.EventPresence {
		// Presence snapshots are node-local; relaying a peer's would
		// erase users connected only to this node.
		return
	}
	if envelope.Event == dto.EventTyping {
		// Track remote typing locally so the soft timeout applies on
		// every node, then relay without republishing.
		var signal dto.TypingEvent
		if err := json.Unmarshal(envelope.Data, &signal); err == nil {
			s.typing.set(signal)
		}
	}

	if envelope.RoomID == "" {
		s.hub.broadcastAll(envelope)
		return
	}
	s.hub.broadcast(envelope.RoomID, envelope)
}

// channelHub keeps track of active websocket clients and their room
// subscriptions, and handles broadcasting.
type channelHub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*channelClient]struct{}
	clients map[*channelClient]struct{}
}

func (h *channelHub) register(client *channelClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = struct{}{}
}

func (h *channelHub) unregister(client *channelClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client)
}

func (h *channelHub) join(client *channelClient, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.rooms[roomID]; !exists {
		h.rooms[roomID] = make(map[*channelClient]struct{})
	}
	h.rooms[roomID][client] = struct{}{}
}

func (h *channelHub) leave(client *channelClient, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.rooms[roomID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

func (h *channelHub) broadcast(roomID string, envelope dto.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[roomID] {
		client.push(envelope)
	}
}

func (h *channelHub) broadcastAll(envelope dto.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		client.push(envelope)
	}
}

type channelClient struct {
	conn    *websocket.Conn
	send    chan dto.Envelope
	options ConnectionOptions
	service *ChannelService
	mu      sync.Mutex
	rooms   map[string]struct{}
	closed  chan struct{}
	once    sync.Once
	baseCtx context.Context
}

func (c *channelClient) reader() {
	defer c.close()

	for {
		var envelope dto.Envelope
		if err := c.conn.ReadJSON(&envelope); err != nil {
			c.service.logger.Debug().Err(err).Msg("channel read loop ended")
			return
		}
		c.service.dispatch(c, envelope)
	}
}

func (c *channelClient) writer() {
	defer c.close()

	for {
		select {
		case envelope, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(envelope); err != nil {
				c.service.logger.Debug().Err(err).Msg("channel write loop terminated")
				return
			}
		case <-time.After(keepaliveInterval):
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.service.logger.Debug().Err(err).Msg("channel ping failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *channelClient) push(envelope dto.Envelope) {
	select {
	case c.send <- envelope:
	default:
		c.service.logger.Warn().Str("user_id", c.options.UserID).Str("event", envelope.Event).Msg("dropping event for slow client")
	}
}

func (c *channelClient) decode(envelope dto.Envelope, target any) bool {
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		c.reject(envelope.RoomID, "malformed_payload", err)
		return false
	}
	return true
}

func (c *channelClient) reject(roomID, reason string, err error) {
	details := ""
	if err != nil {
		details = err.Error()
	}
	c.push(dto.NewEnvelope(dto.EventError, roomID, dto.ErrorEvent{
		RoomID:  roomID,
		Reason:  reason,
		Details: details,
	}))
}

func (c *channelClient) trackRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[roomID] = struct{}{}
}

func (c *channelClient) untrackRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}

func (c *channelClient) joinedRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for roomID := range c.rooms {
		rooms = append(rooms, roomID)
	}
	return rooms
}

func (c *channelClient) close() {
	c.once.Do(func() {
		close(c.closed)
		c.service.disconnect(c)
		_ = c.conn.Close()
	})
}
