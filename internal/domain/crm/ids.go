package crm

import (
	"encoding/binary"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var objectIDPattern = regexp.MustCompile(`^[a-fA-F0-9]{24}$`)

// NewObjectID returns a 24-hex identifier: a big-endian unix timestamp
// followed by eight random bytes. Lead ids double as customer credentials.
func NewObjectID() string {
	var b [12]byte
	binary.BigEndian.PutUint32(b[:4], uint32(time.Now().Unix()))
	r := uuid.New()
	copy(b[4:], r[8:16])
	return hex.EncodeToString(b[:])
}

// IsObjectID reports whether s has the 24-hex id shape
func IsObjectID(s string) bool {
	return objectIDPattern.MatchString(s)
}

// NewSessionToken returns a 64-char opaque staff session token
func NewSessionToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}
