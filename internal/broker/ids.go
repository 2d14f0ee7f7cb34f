package broker

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// DirectConversationID derives the canonical id for the unordered pair, so
// both sides of a pair always resolve to the same conversation.
func DirectConversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("direct_%s_%s", a, b)
}

// NewGroupConversationID mints an opaque, time-sortable group id.
func NewGroupConversationID() string {
	return "group_" + ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// NewSecretKey generates a partner secret. 24 random bytes keeps accidental
// collision out of the realm of the possible.
func NewSecretKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "pk_" + hex.EncodeToString(buf), nil
}
