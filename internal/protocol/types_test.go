package protocol

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomRedactedForKeepsOnlyViewerID(t *testing.T) {
	host := User{ID: uuid.New(), Handle: "alice"}
	bob := User{ID: uuid.New(), Handle: "bob"}
	room := Room{Alias: "lobby", Host: host, Members: []User{host, bob}}

	seen := room.RedactedFor(bob.ID)
	assert.Equal(t, uuid.Nil, seen.Host.ID)
	assert.Equal(t, "alice", seen.Host.Handle)
	require.Len(t, seen.Members, 2)
	assert.Equal(t, uuid.Nil, seen.Members[0].ID)
	assert.Equal(t, bob.ID, seen.Members[1].ID)

	// the source record keeps its ids
	assert.Equal(t, host.ID, room.Members[0].ID)

	own := room.RedactedFor(host.ID)
	assert.Equal(t, host.ID, own.Host.ID)
	assert.Equal(t, uuid.Nil, own.Members[1].ID)

	anon := room.RedactedFor(uuid.Nil)
	assert.False(t, anon.HasMember(host.ID))
	assert.False(t, anon.HasMember(bob.ID))
}
