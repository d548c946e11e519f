package transport

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

const (
	channelPrefix = "procevt_"
	maxPlainID    = 40
	hashChars     = 32
)

var plainID = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ChannelName maps a user ID to a channel name that is a valid unquoted
// PostgreSQL identifier (at most 63 bytes) and a valid redis channel. IDs made
// of word characters keep a readable form; anything else is hashed. The two
// forms use distinct markers so they never collide.
func ChannelName(userID string) string {
	if userID != "" && len(userID) <= maxPlainID && plainID.MatchString(userID) {
		return channelPrefix + "u_" + userID
	}
	sum := sha256.Sum256([]byte(userID))
	return channelPrefix + "h_" + hex.EncodeToString(sum[:])[:hashChars]
}
