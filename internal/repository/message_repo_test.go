package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/parley-chat/parley-api/internal/models"
)

func openMessageDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Message{}))

	return db
}

func seedMessage(t *testing.T, repo MessageRepository, msg models.Message) models.Message {
	t.Helper()
	require.NoError(t, repo.Save(context.Background(), &msg))
	return msg
}

func TestSaveAssignsDurableIDAndDefaults(t *testing.T) {
	repo := NewMessageRepository(openMessageDB(t))

	msg := models.Message{
		ProvisionalID: "prov-123",
		RoomID:        models.RoomID("alice", "bob"),
		SenderID:      "alice",
		ReceiverID:    "bob",
		Content:       "hello",
	}
	require.NoError(t, repo.Save(context.Background(), &msg))

	require.NotEmpty(t, msg.ID)
	require.Equal(t, models.MessageTypeText, msg.Type)
	require.Equal(t, models.MessageStatusSent, msg.Status)
	require.NotNil(t, msg.Reactions)

	stored, err := repo.GetByID(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Equal(t, "prov-123", stored.ProvisionalID)
}

func TestListByRoomReturnsChronologicalPage(t *testing.T) {
	repo := NewMessageRepository(openMessageDB(t))
	roomID := models.RoomID("alice", "bob")
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		seedMessage(t, repo, models.Message{
			RoomID:     roomID,
			SenderID:   "alice",
			ReceiverID: "bob",
			Content:    "msg",
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		})
	}

	page, err := repo.ListByRoom(context.Background(), roomID, time.Time{}, "", 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	// Newest three, oldest first within the page.
	require.True(t, page[0].CreatedAt.Before(page[1].CreatedAt))
	require.True(t, page[1].CreatedAt.Before(page[2].CreatedAt))

	older, err := repo.ListByRoom(context.Background(), roomID, page[0].CreatedAt, page[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, older, 2)
	for _, msg := range older {
		require.True(t, msg.CreatedAt.Before(page[0].CreatedAt))
	}
}

func TestListByRoomPagesThroughSharedTimestamps(t *testing.T) {
	repo := NewMessageRepository(openMessageDB(t))
	roomID := models.RoomID("alice", "bob")
	ts := time.Now().UTC().Truncate(time.Second)

	// Three messages created inside the same clock tick.
	for _, id := range []string{"aaa", "bbb", "ccc"} {
		seedMessage(t, repo, models.Message{
			ID:         id,
			RoomID:     roomID,
			SenderID:   "alice",
			ReceiverID: "bob",
			Content:    id,
			CreatedAt:  ts,
		})
	}

	page, err := repo.ListByRoom(context.Background(), roomID, time.Time{}, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "bbb", page[0].ID)
	require.Equal(t, "ccc", page[1].ID)

	// The (timestamp, id) cursor reaches the sibling sharing the
	// boundary timestamp instead of skipping it.
	older, err := repo.ListByRoom(context.Background(), roomID, page[0].CreatedAt, page[0].ID, 2)
	require.NoError(t, err)
	require.Len(t, older, 1)
	require.Equal(t, "aaa", older[0].ID)
}

func TestMarkSeenIsMonotonicReceiverOnlyAndIdempotent(t *testing.T) {
	repo := NewMessageRepository(openMessageDB(t))
	roomID := models.RoomID("alice", "bob")

	fromAlice := seedMessage(t, repo, models.Message{
		RoomID:     roomID,
		SenderID:   "alice",
		ReceiverID: "bob",
		Content:    "to bob",
	})
	fromBob := seedMessage(t, repo, models.Message{
		RoomID:     roomID,
		SenderID:   "bob",
		ReceiverID: "alice",
		Content:    "to alice",
	})

	ids := []string{fromAlice.ID, fromBob.ID}

	// Bob can only advance the message he received, not his own, and
	// the returned set names exactly the rows that changed.
	updated, err := repo.MarkSeen(context.Background(), roomID, "bob", ids)
	require.NoError(t, err)
	require.Equal(t, []string{fromAlice.ID}, updated)

	stored, err := repo.GetByID(context.Background(), fromAlice.ID)
	require.NoError(t, err)
	require.Equal(t, models.MessageStatusSeen, stored.Status)

	own, err := repo.GetByID(context.Background(), fromBob.ID)
	require.NoError(t, err)
	require.Equal(t, models.MessageStatusSent, own.Status)

	// Replaying the same receipt changes nothing.
	updated, err = repo.MarkSeen(context.Background(), roomID, "bob", ids)
	require.NoError(t, err)
	require.Empty(t, updated)
}

func TestSetReactionKeepsOnePerUser(t *testing.T) {
	repo := NewMessageRepository(openMessageDB(t))
	roomID := models.RoomID("alice", "bob")

	msg := seedMessage(t, repo, models.Message{
		RoomID:     roomID,
		SenderID:   "alice",
		ReceiverID: "bob",
		Content:    "react to me",
	})

	updated, err := repo.SetReaction(context.Background(), msg.ID, "bob", "👍")
	require.NoError(t, err)
	require.Equal(t, "👍", updated.Reactions["bob"])

	// A second reaction from the same user replaces the first.
	updated, err = repo.SetReaction(context.Background(), msg.ID, "bob", "❤️")
	require.NoError(t, err)
	require.Len(t, updated.Reactions, 1)
	require.Equal(t, "❤️", updated.Reactions["bob"])

	updated, err = repo.SetReaction(context.Background(), msg.ID, "alice", "😂")
	require.NoError(t, err)
	require.Len(t, updated.Reactions, 2)

	updated, err = repo.RemoveReaction(context.Background(), msg.ID, "bob")
	require.NoError(t, err)
	require.Len(t, updated.Reactions, 1)
	require.NotContains(t, updated.Reactions, "bob")
}

func TestListRoomsAndCountUnseen(t *testing.T) {
	repo := NewMessageRepository(openMessageDB(t))

	roomAB := models.RoomID("alice", "bob")
	roomAC := models.RoomID("alice", "carol")

	seedMessage(t, repo, models.Message{RoomID: roomAB, SenderID: "alice", ReceiverID: "bob", Content: "one"})
	seedMessage(t, repo, models.Message{RoomID: roomAB, SenderID: "bob", ReceiverID: "alice", Content: "two"})
	seedMessage(t, repo, models.Message{RoomID: roomAC, SenderID: "carol", ReceiverID: "alice", Content: "three"})

	rooms, err := repo.ListRooms(context.Background(), "alice")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{roomAB, roomAC}, rooms)

	rooms, err = repo.ListRooms(context.Background(), "bob")
	require.NoError(t, err)
	require.Equal(t, []string{roomAB}, rooms)

	unseen, err := repo.CountUnseen(context.Background(), roomAB, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 1, unseen)

	updated, err := repo.MarkSeen(context.Background(), roomAB, "alice", []string{})
	require.NoError(t, err)
	require.Empty(t, updated)
}
