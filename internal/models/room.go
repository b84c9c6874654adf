package models

import (
	"regexp"
	"strings"
)

// roomSeparator joins the two participant identities into a room id.
const roomSeparator = "--"

var participantPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// RoomID derives the conversation identifier shared by two participants.
// The identities are sorted lexicographically before joining, so either
// side computes the same id regardless of who initiates.
func RoomID(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return userA + roomSeparator + userB
}

// ValidParticipant reports whether the identity is well formed. Room
// derivation assumes its inputs were validated; this is the gate.
func ValidParticipant(id string) bool {
	return participantPattern.MatchString(strings.TrimSpace(id)) && id == strings.TrimSpace(id)
}

// RoomMembers splits a room id back into its participant identities.
// Returns false when the id was not produced by RoomID.
func RoomMembers(roomID string) (string, string, bool) {
	parts := strings.SplitN(roomID, roomSeparator, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// RoomHasMember reports whether the user is one of the two participants.
func RoomHasMember(roomID, userID string) bool {
	a, b, ok := RoomMembers(roomID)
	return ok && (a == userID || b == userID)
}
