package models_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parley-chat/parley-api/internal/models"
)

func TestRoomIDIsOrderIndependent(t *testing.T) {
	require.Equal(t, models.RoomID("alice", "bob"), models.RoomID("bob", "alice"))
	require.Equal(t, "alice--bob", models.RoomID("bob", "alice"))
}

func TestRoomMembers(t *testing.T) {
	roomID := models.RoomID("carol", "dave")

	first, second, ok := models.RoomMembers(roomID)
	require.True(t, ok)
	require.Equal(t, "carol", first)
	require.Equal(t, "dave", second)

	_, _, ok = models.RoomMembers("not-a-room")
	require.False(t, ok)
}

func TestRoomHasMember(t *testing.T) {
	roomID := models.RoomID("alice", "bob")

	require.True(t, models.RoomHasMember(roomID, "alice"))
	require.True(t, models.RoomHasMember(roomID, "bob"))
	require.False(t, models.RoomHasMember(roomID, "mallory"))
}

func TestValidParticipant(t *testing.T) {
	require.True(t, models.ValidParticipant("user_42"))
	require.True(t, models.ValidParticipant("a.b-c"))
	require.False(t, models.ValidParticipant(""))
	require.False(t, models.ValidParticipant("has space"))
	require.False(t, models.ValidParticipant("emoji💬"))
}
