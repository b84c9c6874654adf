// Package sync implements the client side of the message
// synchronization protocol: an observable, ordered message list for one
// active room-view, reconciled across the racing inputs of the local
// optimistic insert, the store's persistence acknowledgment and the
// asynchronous events pushed over the delivery channel.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley-api/internal/dto"
	"github.com/parley-chat/parley-api/internal/models"
)

var (
	// ErrInvalidParticipant indicates a malformed identity; not retried.
	ErrInvalidParticipant = errors.New("invalid participant identity")
	// ErrSendFailed indicates persistence was rejected or unreachable;
	// the provisional entry has been rolled back and the caller may
	// retry with a fresh send.
	ErrSendFailed = errors.New("send failed")
	// ErrUploadFailed indicates the binary store was unavailable; the
	// send aborted before any persistence attempt.
	ErrUploadFailed = errors.New("upload failed")
	// ErrUnauthorized indicates a missing or expired identity;
	// propagated for re-authentication, never retried internally.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrEngineClosed indicates the room-view was left.
	ErrEngineClosed = errors.New("engine closed")
)

// defaultTypingDebounce is the quiet period after the last keystroke
// before a stop signal is auto-emitted.
const defaultTypingDebounce = time.Second

const errorBufferSize = 16

// Store is the persistence boundary. Implementations talk REST to the
// server; Persist blocks until the durable identifier is assigned.
type Store interface {
	Persist(ctx context.Context, payload dto.SendRequest) (dto.MessageResponse, error)
	History(ctx context.Context, query dto.HistoryQuery) ([]dto.MessageResponse, error)
}

// Uploader stores a binary payload out of band and returns its stable
// reference.
type Uploader interface {
	Upload(ctx context.Context, upload FileUpload) (dto.FileReference, error)
}

// Transport emits fire-and-forget frames onto the delivery channel.
type Transport interface {
	Emit(envelope dto.Envelope) error
}

// FileUpload describes a binary payload attached to an outgoing media
// message. LocalPreviewURL is shown optimistically until the durable
// reference is available.
type FileUpload struct {
	Name            string
	MimeType        string
	Size            int64
	DurationSec     float64
	LocalPreviewURL string
	Content         io.Reader
}

// Options configures an Engine for one room-view.
type Options struct {
	UserID      string
	DisplayName string
	PeerID      string
	Store       Store
	Uploader    Uploader
	Transport   Transport
	Logger      zerolog.Logger
	// TypingDebounce overrides the quiet period; zero means the default.
	TypingDebounce time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Engine owns the observable message list for one active room-view and
// is the only mutator of it. All methods are safe for concurrent use;
// multiple sends may be in flight at once and reconcile independently.
type Engine struct {
	userID      string
	displayName string
	peerID      string
	roomID      string

	store     Store
	uploader  Uploader
	transport Transport
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	messages []dto.MessageResponse
	typing   map[string]dto.TypingEvent
	online   []string
	closed   bool

	debounce     time.Duration
	typingTimer  *time.Timer
	typingActive bool
	errs         chan error
}

// New validates the participant pair and prepares the engine. The
// caller still needs to Join() once the transport is connected.
func New(opts Options) (*Engine, error) {
	if !models.ValidParticipant(opts.UserID) || !models.ValidParticipant(opts.PeerID) || opts.UserID == opts.PeerID {
		return nil, ErrInvalidParticipant
	}
	if opts.Store == nil || opts.Transport == nil {
		return nil, errors.New("store and transport are required")
	}

	debounce := opts.TypingDebounce
	if debounce <= 0 {
		debounce = defaultTypingDebounce
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		userID:      opts.UserID,
		displayName: opts.DisplayName,
		peerID:      opts.PeerID,
		roomID:      models.RoomID(opts.UserID, opts.PeerID),
		store:       opts.Store,
		uploader:    opts.Uploader,
		transport:   opts.Transport,
		logger:      opts.Logger.With().Str("component", "sync_engine").Logger(),
		now:         now,
		typing:      make(map[string]dto.TypingEvent),
		debounce:    debounce,
		errs:        make(chan error, errorBufferSize),
	}, nil
}

// RoomID returns the derived conversation identifier.
func (e *Engine) RoomID() string {
	return e.roomID
}

// Messages returns a snapshot of the observable list, ordered by
// creation time.
func (e *Engine) Messages() []dto.MessageResponse {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]dto.MessageResponse, len(e.messages))
	copy(out, e.messages)
	return out
}

// Errors exposes the error channel surfaced to the UI layer.
func (e *Engine) Errors() <-chan error {
	return e.errs
}

// Online returns the last advisory presence snapshot.
func (e *Engine) Online() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.online))
	copy(out, e.online)
	return out
}

// PeerTyping reports whether the peer's latest advisory signal says
// they are composing.
func (e *Engine) PeerTyping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	signal, ok := e.typing[e.peerID]
	return ok && signal.IsTyping
}

// Join subscribes the connection to the room group.
func (e *Engine) Join() error {
	return e.transport.Emit(dto.Envelope{Event: dto.EventJoin, RoomID: e.roomID})
}

// Leave unsubscribes from the room and cancels the pending typing
// debounce. Fire-and-forget: no server acknowledgment is awaited.
func (e *Engine) Leave() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.typingTimer != nil {
		e.typingTimer.Stop()
		e.typingTimer = nil
	}
	e.typingActive = false
	e.mu.Unlock()

	if err := e.transport.Emit(dto.Envelope{Event: dto.EventLeave, RoomID: e.roomID}); err != nil {
		e.logger.Debug().Err(err).Msg("leave emit failed")
	}
}

// SendText sends an inline text message. The optimistic entry is
// visible before this method performs any network round trip; the
// returned provisional identifier names that entry until the durable
// identifier replaces it in place.
func (e *Engine) SendText(ctx context.Context, content, replyTo string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: empty content", ErrSendFailed)
	}

	payload := dto.SendRequest{
		ReceiverID: e.peerID,
		Type:       string(models.MessageTypeText),
		Content:    content,
		ReplyTo:    replyTo,
	}
	return e.send(ctx, payload, nil)
}

// SendFile sends a media message. The optimistic entry shows the local
// preview reference immediately; the binary upload runs before
// persistence and an upload failure rolls the entry back without ever
// reaching the store.
func (e *Engine) SendFile(ctx context.Context, messageType models.MessageType, upload FileUpload, caption, replyTo string) (string, error) {
	if messageType.Inline() || !messageType.Valid() {
		return "", fmt.Errorf("%w: type %q is not a file type", ErrSendFailed, messageType)
	}
	if e.uploader == nil {
		return "", fmt.Errorf("%w: no uploader configured", ErrUploadFailed)
	}

	payload := dto.SendRequest{
		ReceiverID: e.peerID,
		Type:       string(messageType),
		Content:    caption,
		File: &dto.FileReference{
			URL:         upload.LocalPreviewURL,
			Name:        upload.Name,
			Size:        upload.Size,
			MimeType:    upload.MimeType,
			DurationSec: upload.DurationSec,
		},
		ReplyTo: replyTo,
	}
	return e.send(ctx, payload, &upload)
}

// send inserts the optimistic entry, runs the blocking upload and
// persistence steps, and reconciles or rolls back. Each invocation is
// independent; a failure never disturbs other in-flight sends.
func (e *Engine) send(ctx context.Context, payload dto.SendRequest, upload *FileUpload) (string, error) {
	payload.ProvisionalID = uuid.NewString()

	optimistic := dto.MessageResponse{
		ProvisionalID: payload.ProvisionalID,
		RoomID:        e.roomID,
		SenderID:      e.userID,
		ReceiverID:    e.peerID,
		Type:          payload.Type,
		Content:       payload.Content,
		File:          payload.File,
		ReplyTo:       payload.ReplyTo,
		Status:        models.MessageStatusSent,
		CreatedAt:     e.now().UTC(),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrEngineClosed
	}
	e.messages = append(e.messages, optimistic)
	e.mu.Unlock()

	if upload != nil {
		reference, err := e.uploader.Upload(ctx, *upload)
		if err != nil {
			e.rollback(payload.ProvisionalID)
			wrapped := fmt.Errorf("%w: %v", ErrUploadFailed, err)
			e.pushErr(wrapped)
			return "", wrapped
		}
		payload.File = &reference
	}

	persisted, err := e.store.Persist(ctx, payload)
	if err != nil {
		e.rollback(payload.ProvisionalID)
		if errors.Is(err, ErrUnauthorized) {
			e.pushErr(err)
			return "", err
		}
		wrapped := fmt.Errorf("%w: %v", ErrSendFailed, err)
		e.pushErr(wrapped)
		return "", wrapped
	}

	e.reconcile(persisted)
	return payload.ProvisionalID, nil
}

// rollback removes a failed provisional entry; the safe state after a
// persistence failure is its absence.
func (e *Engine) rollback(provisionalID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.messages {
		if e.messages[i].ProvisionalID == provisionalID && e.messages[i].ID == "" {
			e.messages = append(e.messages[:i], e.messages[i+1:]...)
			return
		}
	}
}

// reconcile replaces the provisional entry in place with the persisted
// form. The entry keeps its list position; reordering the visible list
// on acknowledgment would be a defect. A status event that raced ahead
// of the acknowledgment is preserved by keeping the higher status.
func (e *Engine) reconcile(persisted dto.MessageResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.messages {
		if e.messages[i].ProvisionalID == persisted.ProvisionalID && e.messages[i].ProvisionalID != "" {
			status := higherStatus(e.messages[i].Status, persisted.Status)
			e.messages[i] = persisted
			e.messages[i].Status = status
			return
		}
	}

	// The push event may have landed first; dedup by durable id.
	for i := range e.messages {
		if e.messages[i].ID == persisted.ID {
			e.messages[i].Status = higherStatus(e.messages[i].Status, persisted.Status)
			return
		}
	}

	e.insertLocked(persisted)
}

// HandleEvent is the single inbound dispatch point for delivery-channel
// frames. Every event is applied independently of arrival order.
func (e *Engine) HandleEvent(envelope dto.Envelope) {
	switch envelope.Event {
	case dto.EventMessage:
		var message dto.MessageResponse
		if err := json.Unmarshal(envelope.Data, &message); err != nil {
			e.logger.Warn().Err(err).Msg("malformed message event")
			return
		}
		e.applyMessage(message)

	case dto.EventStatus:
		var status dto.StatusEvent
		if err := json.Unmarshal(envelope.Data, &status); err != nil {
			e.logger.Warn().Err(err).Msg("malformed status event")
			return
		}
		e.applyStatus(status)

	case dto.EventReaction:
		var reaction dto.ReactionEvent
		if err := json.Unmarshal(envelope.Data, &reaction); err != nil {
			e.logger.Warn().Err(err).Msg("malformed reaction event")
			return
		}
		e.applyReaction(reaction)

	case dto.EventTyping:
		var signal dto.TypingEvent
		if err := json.Unmarshal(envelope.Data, &signal); err != nil {
			return
		}
		e.applyTyping(signal)

	case dto.EventPresence:
		var presence dto.PresenceEvent
		if err := json.Unmarshal(envelope.Data, &presence); err != nil {
			return
		}
		e.mu.Lock()
		e.online = presence.Online
		e.mu.Unlock()

	case dto.EventError:
		var failure dto.ErrorEvent
		if err := json.Unmarshal(envelope.Data, &failure); err != nil {
			return
		}
		e.pushErr(mapErrorEvent(failure))
	}
}

// applyMessage applies a pushed message. The push and the sender's own
// persistence acknowledgment race; dedup by durable identifier makes
// the insert a no-op while still folding in a newer status.
func (e *Engine) applyMessage(message dto.MessageResponse) {
	if message.RoomID != e.roomID || message.ID == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.messages {
		if e.messages[i].ID == message.ID {
			e.messages[i].Status = higherStatus(e.messages[i].Status, message.Status)
			if message.Reactions != nil {
				e.messages[i].Reactions = message.Reactions
			}
			return
		}
	}

	// Our own optimistic entry: the push doubles as the acknowledgment.
	if message.SenderID == e.userID && message.ProvisionalID != "" {
		for i := range e.messages {
			if e.messages[i].ProvisionalID == message.ProvisionalID {
				status := higherStatus(e.messages[i].Status, message.Status)
				e.messages[i] = message
				e.messages[i].Status = status
				return
			}
		}
	}

	e.insertLocked(message)
}

// applyStatus applies a status transition to every matching target. An
// id is checked against the durable identifier first and then, in the
// narrow pre-reconciliation window, against the provisional identifier.
// Targets matching neither are dropped silently; a later history reload
// carries the correct status.
func (e *Engine) applyStatus(status dto.StatusEvent) {
	if status.RoomID != e.roomID {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, target := range status.IDs {
		for i := range e.messages {
			if e.messages[i].ID == target || (e.messages[i].ID == "" && e.messages[i].ProvisionalID == target) {
				e.messages[i].Status = higherStatus(e.messages[i].Status, status.Status)
				break
			}
		}
	}
}

func (e *Engine) applyReaction(reaction dto.ReactionEvent) {
	if reaction.RoomID != e.roomID {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.messages {
		if e.messages[i].ID == reaction.MessageID {
			// The broadcast set is authoritative, replacing any
			// optimistic local state.
			e.messages[i].Reactions = reaction.Reactions
			return
		}
	}
}

func (e *Engine) applyTyping(signal dto.TypingEvent) {
	if signal.RoomID != e.roomID || signal.UserID == e.userID {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if signal.IsTyping {
		e.typing[signal.UserID] = signal
	} else {
		delete(e.typing, signal.UserID)
	}
}

// MarkSeen acknowledges visibility of the given durable identifiers.
// Only messages received by this user transition; applying the same set
// twice is a no-op. The local copies converge immediately and the
// transition is emitted outward so the sender's view follows.
func (e *Engine) MarkSeen(ids []string) error {
	e.mu.Lock()
	var outbound []string
	for _, target := range ids {
		for i := range e.messages {
			if e.messages[i].ID != target {
				continue
			}
			if e.messages[i].SenderID == e.userID {
				break
			}
			if e.messages[i].Status != models.MessageStatusSeen {
				e.messages[i].Status = models.MessageStatusSeen
				outbound = append(outbound, target)
			}
			break
		}
	}
	e.mu.Unlock()

	if len(outbound) == 0 {
		return nil
	}

	return e.transport.Emit(dto.NewEnvelope(dto.EventMarkSeen, e.roomID, dto.MarkSeenRequest{
		RoomID:     e.roomID,
		MessageIDs: outbound,
	}))
}

// AddReaction sets this user's reaction on a message, replacing any
// existing one. The optimistic local state is overwritten by the next
// authoritative broadcast.
func (e *Engine) AddReaction(messageID, emoji string) error {
	e.mu.Lock()
	for i := range e.messages {
		if e.messages[i].ID == messageID {
			if e.messages[i].Reactions == nil {
				e.messages[i].Reactions = make(map[string]string)
			}
			e.messages[i].Reactions[e.userID] = emoji
			break
		}
	}
	e.mu.Unlock()

	return e.transport.Emit(dto.NewEnvelope(dto.EventReactionAdd, e.roomID, dto.ReactionRequest{
		RoomID:    e.roomID,
		MessageID: messageID,
		Emoji:     emoji,
	}))
}

// RemoveReaction clears this user's reaction on a message.
func (e *Engine) RemoveReaction(messageID string) error {
	e.mu.Lock()
	for i := range e.messages {
		if e.messages[i].ID == messageID {
			delete(e.messages[i].Reactions, e.userID)
			break
		}
	}
	e.mu.Unlock()

	return e.transport.Emit(dto.NewEnvelope(dto.EventReactionRemove, e.roomID, dto.ReactionRemoveRequest{
		RoomID:    e.roomID,
		MessageID: messageID,
	}))
}

// SetTyping signals composing activity. Call it on every keystroke:
// the first call emits a start signal and each call resets the
// debounced stop timer, bounding how long a stale indicator can
// persist if the stop signal is lost.
func (e *Engine) SetTyping() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	emitStart := !e.typingActive
	e.typingActive = true
	if e.typingTimer == nil {
		e.typingTimer = time.AfterFunc(e.debounce, e.stopTyping)
	} else {
		e.typingTimer.Reset(e.debounce)
	}
	e.mu.Unlock()

	if emitStart {
		e.emitTyping(true)
	}
}

func (e *Engine) stopTyping() {
	e.mu.Lock()
	wasActive := e.typingActive
	e.typingActive = false
	e.typingTimer = nil
	closed := e.closed
	e.mu.Unlock()

	if wasActive && !closed {
		e.emitTyping(false)
	}
}

func (e *Engine) emitTyping(isTyping bool) {
	err := e.transport.Emit(dto.NewEnvelope(dto.EventTyping, e.roomID, dto.TypingEvent{
		RoomID:      e.roomID,
		UserID:      e.userID,
		DisplayName: e.displayName,
		IsTyping:    isTyping,
	}))
	if err != nil {
		e.logger.Debug().Err(err).Msg("typing emit failed")
	}
}

// FetchOlderPage loads the next history page, merging by durable
// identifier. History is authoritative for status and reactions; gaps
// left by dropped events close here.
func (e *Engine) FetchOlderPage(ctx context.Context, limit int) (int, error) {
	e.mu.Lock()
	var before *time.Time
	beforeID := ""
	for i := range e.messages {
		if e.messages[i].ID != "" {
			oldest := e.messages[i].CreatedAt
			before = &oldest
			beforeID = e.messages[i].ID
			break
		}
	}
	e.mu.Unlock()

	page, err := e.store.History(ctx, dto.HistoryQuery{
		RoomID:   e.roomID,
		Before:   before,
		BeforeID: beforeID,
		Limit:    limit,
	})
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			e.pushErr(err)
		}
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	added := 0
	for _, fetched := range page {
		if fetched.ID == "" {
			continue
		}
		merged := false
		for i := range e.messages {
			if e.messages[i].ID == fetched.ID {
				e.messages[i].Status = higherStatus(e.messages[i].Status, fetched.Status)
				e.messages[i].Reactions = fetched.Reactions
				merged = true
				break
			}
		}
		if !merged {
			e.insertLocked(fetched)
			added++
		}
	}

	return added, nil
}

// insertLocked places the message at its creation-time position. The
// common case appends; out-of-order arrivals walk back to their slot.
func (e *Engine) insertLocked(message dto.MessageResponse) {
	index := len(e.messages)
	for index > 0 && e.messages[index-1].CreatedAt.After(message.CreatedAt) {
		index--
	}
	e.messages = append(e.messages, dto.MessageResponse{})
	copy(e.messages[index+1:], e.messages[index:])
	e.messages[index] = message
}

func (e *Engine) pushErr(err error) {
	select {
	case e.errs <- err:
	default:
	}
}

var statusRank = map[string]int{
	models.MessageStatusSent:      0,
	models.MessageStatusDelivered: 1,
	models.MessageStatusSeen:      2,
}

// higherStatus keeps status transitions monotonic: seen never regresses.
func higherStatus(current, incoming string) string {
	if statusRank[incoming] > statusRank[current] {
		return incoming
	}
	return current
}

func mapErrorEvent(failure dto.ErrorEvent) error {
	switch failure.Reason {
	case "not_authorised", "unauthorized":
		return fmt.Errorf("%w: %s", ErrUnauthorized, failure.Details)
	case "send_failed":
		return fmt.Errorf("%w: %s", ErrSendFailed, failure.Details)
	default:
		return fmt.Errorf("channel error %s: %s", failure.Reason, failure.Details)
	}
}
