package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomCode(t *testing.T) {
	code, err := RoomCode("Demo-Room_1")
	require.NoError(t, err)
	assert.Equal(t, "demo-room_1", code)

	_, err = RoomCode("")
	assert.Error(t, err)
	_, err = RoomCode("has space")
	assert.Error(t, err)
	_, err = RoomCode("bad!chars")
	assert.Error(t, err)
	_, err = RoomCode(strings.Repeat("x", 51))
	assert.Error(t, err)

	code, err = RoomCode(strings.Repeat("x", 50))
	require.NoError(t, err)
	assert.Len(t, code, 50)
}

func TestNickname(t *testing.T) {
	nick, err := Nickname("  alice  ")
	require.NoError(t, err)
	assert.Equal(t, "alice", nick)

	nick, err = Nickname("Bob the-Great_99")
	require.NoError(t, err)
	assert.Equal(t, "Bob the-Great_99", nick)

	_, err = Nickname("")
	assert.Error(t, err)
	_, err = Nickname("   ")
	assert.Error(t, err)
	_, err = Nickname(strings.Repeat("a", 31))
	assert.Error(t, err)
	_, err = Nickname("<script>")
	assert.Error(t, err) // disallowed characters, not just escaped
}

func TestNicknameProfanity(t *testing.T) {
	blocked := []string{"fuck", "FUCK", "fuckface", "totalfuck"}
	for _, name := range blocked {
		_, err := Nickname(name)
		assert.Error(t, err, name)
	}

	// Short incidental substrings stay allowed.
	allowed := []string{"bass", "class", "Cassidy"}
	for _, name := range allowed {
		_, err := Nickname(name)
		assert.NoError(t, err, name)
	}
}

func TestMessageContent(t *testing.T) {
	content, err := MessageContent("  nice pass  ")
	require.NoError(t, err)
	assert.Equal(t, "nice pass", content)

	content, err = MessageContent("<b>bold</b>")
	require.NoError(t, err)
	assert.Equal(t, "&lt;b&gt;bold&lt;/b&gt;", content)

	_, err = MessageContent("")
	assert.Error(t, err)
	_, err = MessageContent("   ")
	assert.Error(t, err)
	_, err = MessageContent(strings.Repeat("x", 501))
	assert.Error(t, err)

	content, err = MessageContent(strings.Repeat("x", 500))
	require.NoError(t, err)
	assert.Len(t, content, 500)
}
