package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/parley-chat/parley-api/internal/dto"
	"github.com/parley-chat/parley-api/internal/models"
	"github.com/parley-chat/parley-api/internal/repository"
)

type capturingSink struct {
	mu        sync.Mutex
	envelopes []dto.Envelope
}

func (s *capturingSink) Fanout(_ context.Context, _ string, envelope dto.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelopes = append(s.envelopes, envelope)
}

func (s *capturingSink) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]string, 0, len(s.envelopes))
	for _, envelope := range s.envelopes {
		kinds = append(kinds, envelope.Event)
	}
	return kinds
}

func newMessageFixture(t *testing.T) (*MessageService, repository.MessageRepository, *capturingSink) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Message{}))

	repo := repository.NewMessageRepository(db)
	history := NewHistoryService(repo, nil, 0, 0, zerolog.Nop())
	validate := validator.New(validator.WithRequiredStructEnabled())

	svc := NewMessageService(repo, history, validate, zerolog.Nop())
	sink := &capturingSink{}
	svc.AttachSink(sink)

	return svc, repo, sink
}

func TestSendReturnsDurableAndProvisionalIDs(t *testing.T) {
	svc, _, sink := newMessageFixture(t)

	response, err := svc.Send(context.Background(), "alice", dto.SendRequest{
		ProvisionalID: "prov-000001",
		ReceiverID:    "bob",
		Content:       "hello bob",
	})
	require.NoError(t, err)

	require.NotEmpty(t, response.ID)
	require.Equal(t, "prov-000001", response.ProvisionalID)
	require.Equal(t, models.RoomID("alice", "bob"), response.RoomID)
	require.Equal(t, string(models.MessageStatusSent), response.Status)

	// The room fan-out doubles as the sender's ack.
	require.Equal(t, []string{dto.EventMessage}, sink.events())
}

func TestSendSanitizesInlineContent(t *testing.T) {
	svc, _, _ := newMessageFixture(t)

	response, err := svc.Send(context.Background(), "alice", dto.SendRequest{
		ProvisionalID: "prov-000002",
		ReceiverID:    "bob",
		Content:       `hi<script>alert("x")</script> there`,
	})
	require.NoError(t, err)
	require.NotContains(t, response.Content, "<script>")
	require.Contains(t, response.Content, "hi")

	_, err = svc.Send(context.Background(), "alice", dto.SendRequest{
		ProvisionalID: "prov-000003",
		ReceiverID:    "bob",
		Content:       `<script>alert("only markup")</script>`,
	})
	require.Error(t, err)
}

func TestSendRejectsBadParticipants(t *testing.T) {
	svc, _, _ := newMessageFixture(t)

	_, err := svc.Send(context.Background(), "alice", dto.SendRequest{
		ProvisionalID: "prov-000004",
		ReceiverID:    "alice",
		Content:       "talking to myself",
	})
	require.ErrorIs(t, err, ErrInvalidParticipant)

	_, err = svc.Send(context.Background(), "alice", dto.SendRequest{
		ProvisionalID: "prov-000005",
		ReceiverID:    "not valid!",
		Content:       "hello",
	})
	require.ErrorIs(t, err, ErrInvalidParticipant)
}

func TestSendRequiresFileReferenceForMedia(t *testing.T) {
	svc, _, _ := newMessageFixture(t)

	_, err := svc.Send(context.Background(), "alice", dto.SendRequest{
		ProvisionalID: "prov-000006",
		ReceiverID:    "bob",
		Type:          string(models.MessageTypePhoto),
	})
	require.Error(t, err)

	response, err := svc.Send(context.Background(), "alice", dto.SendRequest{
		ProvisionalID: "prov-000007",
		ReceiverID:    "bob",
		Type:          string(models.MessageTypePhoto),
		Content:       "look at this",
		File: &dto.FileReference{
			URL:      "https://cdn.example.com/pic.jpg",
			Name:     "pic.jpg",
			Size:     1024,
			MimeType: "image/jpeg",
		},
	})
	require.NoError(t, err)
	require.NotNil(t, response.File)
	require.Equal(t, "https://cdn.example.com/pic.jpg", response.File.URL)
	require.Equal(t, "look at this", response.Content)
}

func TestSendValidatesReplyTarget(t *testing.T) {
	svc, _, _ := newMessageFixture(t)

	original, err := svc.Send(context.Background(), "alice", dto.SendRequest{
		ProvisionalID: "prov-000008",
		ReceiverID:    "bob",
		Content:       "original",
	})
	require.NoError(t, err)

	reply, err := svc.Send(context.Background(), "bob", dto.SendRequest{
		ProvisionalID: "prov-000009",
		ReceiverID:    "alice",
		Content:       "replying",
		ReplyTo:       original.ID,
	})
	require.NoError(t, err)
	require.Equal(t, original.ID, reply.ReplyTo)

	// Reply targets in another room are invisible.
	stranger, err := svc.Send(context.Background(), "carol", dto.SendRequest{
		ProvisionalID: "prov-000010",
		ReceiverID:    "dave",
		Content:       "different room",
	})
	require.NoError(t, err)

	_, err = svc.Send(context.Background(), "alice", dto.SendRequest{
		ProvisionalID: "prov-000011",
		ReceiverID:    "bob",
		Content:       "cross-room reply",
		ReplyTo:       stranger.ID,
	})
	require.ErrorIs(t, err, ErrReplyNotFound)
}

func TestMarkSeenFansOutAndIsIdempotent(t *testing.T) {
	svc, _, sink := newMessageFixture(t)

	sent, err := svc.Send(context.Background(), "alice", dto.SendRequest{
		ProvisionalID: "prov-000012",
		ReceiverID:    "bob",
		Content:       "see me",
	})
	require.NoError(t, err)

	_, err = svc.MarkSeen(context.Background(), "mallory", dto.MarkSeenRequest{
		RoomID:     sent.RoomID,
		MessageIDs: []string{sent.ID},
	})
	require.ErrorIs(t, err, ErrNotAuthorised)

	affected, err := svc.MarkSeen(context.Background(), "bob", dto.MarkSeenRequest{
		RoomID:     sent.RoomID,
		MessageIDs: []string{sent.ID},
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, affected)

	affected, err = svc.MarkSeen(context.Background(), "bob", dto.MarkSeenRequest{
		RoomID:     sent.RoomID,
		MessageIDs: []string{sent.ID},
	})
	require.NoError(t, err)
	require.EqualValues(t, 0, affected)

	// Only the receipt that changed state fans out; the replay stays silent.
	require.Equal(t, []string{dto.EventMessage, dto.EventStatus}, sink.events())
}

func TestMarkSeenBySenderStaysSilent(t *testing.T) {
	svc, repo, sink := newMessageFixture(t)

	sent, err := svc.Send(context.Background(), "alice", dto.SendRequest{
		ProvisionalID: "prov-000016",
		ReceiverID:    "bob",
		Content:       "mine",
	})
	require.NoError(t, err)

	// A sender acknowledging their own message changes nothing in the
	// store and must not push a status event at subscribers.
	affected, err := svc.MarkSeen(context.Background(), "alice", dto.MarkSeenRequest{
		RoomID:     sent.RoomID,
		MessageIDs: []string{sent.ID},
	})
	require.NoError(t, err)
	require.EqualValues(t, 0, affected)

	stored, err := repo.GetByID(context.Background(), sent.ID)
	require.NoError(t, err)
	require.Equal(t, models.MessageStatusSent, stored.Status)

	require.Equal(t, []string{dto.EventMessage}, sink.events())
}

func TestMarkSeenBroadcastsOnlyAdvancedIDs(t *testing.T) {
	svc, _, sink := newMessageFixture(t)

	fromAlice, err := svc.Send(context.Background(), "alice", dto.SendRequest{
		ProvisionalID: "prov-000017",
		ReceiverID:    "bob",
		Content:       "for bob",
	})
	require.NoError(t, err)

	fromBob, err := svc.Send(context.Background(), "bob", dto.SendRequest{
		ProvisionalID: "prov-000018",
		ReceiverID:    "alice",
		Content:       "for alice",
	})
	require.NoError(t, err)

	// Bob's batch names both messages; only the one he received may
	// ride in the status event.
	affected, err := svc.MarkSeen(context.Background(), "bob", dto.MarkSeenRequest{
		RoomID:     fromAlice.RoomID,
		MessageIDs: []string{fromAlice.ID, fromBob.ID},
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, affected)

	sink.mu.Lock()
	last := sink.envelopes[len(sink.envelopes)-1]
	sink.mu.Unlock()
	require.Equal(t, dto.EventStatus, last.Event)

	var status dto.StatusEvent
	require.NoError(t, json.Unmarshal(last.Data, &status))
	require.Equal(t, []string{fromAlice.ID}, status.IDs)
	require.Equal(t, models.MessageStatusSeen, status.Status)
}

func TestReactionsReplacePerUser(t *testing.T) {
	svc, _, sink := newMessageFixture(t)

	sent, err := svc.Send(context.Background(), "alice", dto.SendRequest{
		ProvisionalID: "prov-000013",
		ReceiverID:    "bob",
		Content:       "react",
	})
	require.NoError(t, err)

	response, err := svc.SetReaction(context.Background(), "bob", dto.ReactionRequest{
		RoomID:    sent.RoomID,
		MessageID: sent.ID,
		Emoji:     "👍",
	})
	require.NoError(t, err)
	require.Equal(t, "👍", response.Reactions["bob"])

	response, err = svc.SetReaction(context.Background(), "bob", dto.ReactionRequest{
		RoomID:    sent.RoomID,
		MessageID: sent.ID,
		Emoji:     "🔥",
	})
	require.NoError(t, err)
	require.Len(t, response.Reactions, 1)
	require.Equal(t, "🔥", response.Reactions["bob"])

	response, err = svc.RemoveReaction(context.Background(), "bob", dto.ReactionRemoveRequest{
		RoomID:    sent.RoomID,
		MessageID: sent.ID,
	})
	require.NoError(t, err)
	require.Empty(t, response.Reactions)

	_, err = svc.SetReaction(context.Background(), "mallory", dto.ReactionRequest{
		RoomID:    sent.RoomID,
		MessageID: sent.ID,
		Emoji:     "👀",
	})
	require.ErrorIs(t, err, ErrNotAuthorised)

	require.Contains(t, sink.events(), dto.EventReaction)
}

func TestConversationsListsPeersNewestFirst(t *testing.T) {
	svc, _, _ := newMessageFixture(t)

	_, err := svc.Send(context.Background(), "bob", dto.SendRequest{
		ProvisionalID: "prov-000014",
		ReceiverID:    "alice",
		Content:       "older thread",
	})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	_, err = svc.Send(context.Background(), "carol", dto.SendRequest{
		ProvisionalID: "prov-000015",
		ReceiverID:    "alice",
		Content:       "newer thread",
	})
	require.NoError(t, err)

	summaries, err := svc.Conversations(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.Equal(t, "carol", summaries[0].PeerID)
	require.Equal(t, "bob", summaries[1].PeerID)
	require.EqualValues(t, 1, summaries[0].UnseenCount)

	// History access stays member-only.
	_, err = svc.History(context.Background(), "mallory", dto.HistoryQuery{RoomID: summaries[0].RoomID})
	require.ErrorIs(t, err, ErrNotAuthorised)
}
