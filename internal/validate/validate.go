// Package validate enforces the wire-boundary rules for room codes,
// nicknames and message content. Everything that reaches the registry or the
// store has passed through here first.
package validate

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

const (
	MaxRoomCodeLength = 50
	MaxNicknameLength = 30
	MaxMessageLength  = 500
)

var (
	roomCodeRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)
	nicknameRe = regexp.MustCompile(`^[A-Za-z0-9 _-]+$`)
)

// profanityStems are blocked in nicknames: exact match always, and as a
// leading or trailing affix when the rest of the name is at least 3
// characters. The length floor keeps short incidental substrings ("bass",
// "class") out of the net.
var profanityStems = []string{
	"fuck", "shit", "bitch", "cunt", "dick", "asshole", "ass",
}

// RoomCode validates and canonicalises a room code: 1-50 chars of
// alphanumerics, dash or underscore, lowered.
func RoomCode(raw string) (string, error) {
	code := strings.TrimSpace(raw)
	if !roomCodeRe.MatchString(code) {
		return "", fmt.Errorf("room code must be 1-%d letters, digits, - or _", MaxRoomCodeLength)
	}
	return strings.ToLower(code), nil
}

// Nickname validates, trims and escapes a nickname.
func Nickname(raw string) (string, error) {
	nick := strings.TrimSpace(raw)
	if nick == "" {
		return "", fmt.Errorf("nickname must not be empty")
	}
	if len(nick) > MaxNicknameLength {
		return "", fmt.Errorf("nickname must not exceed %d characters", MaxNicknameLength)
	}
	if !nicknameRe.MatchString(nick) {
		return "", fmt.Errorf("nickname may only contain letters, digits, spaces, - and _")
	}
	if isProfane(nick) {
		return "", fmt.Errorf("nickname is not allowed")
	}
	return html.EscapeString(nick), nil
}

// MessageContent validates, trims and escapes a chat message body.
func MessageContent(raw string) (string, error) {
	content := strings.TrimSpace(raw)
	if content == "" {
		return "", fmt.Errorf("message must not be empty")
	}
	if len(content) > MaxMessageLength {
		return "", fmt.Errorf("message must not exceed %d characters", MaxMessageLength)
	}
	return html.EscapeString(content), nil
}

// isProfane reports whether the name matches a blocked stem exactly, or
// carries one as a leading/trailing affix with at least 3 surrounding
// characters.
func isProfane(name string) bool {
	lowered := strings.ToLower(strings.ReplaceAll(name, " ", ""))
	for _, stem := range profanityStems {
		if lowered == stem {
			return true
		}
		if len(stem) < 3 {
			continue
		}
		if strings.HasPrefix(lowered, stem) && len(lowered)-len(stem) >= 3 {
			return true
		}
		if strings.HasSuffix(lowered, stem) && len(lowered)-len(stem) >= 3 {
			return true
		}
	}
	return false
}
