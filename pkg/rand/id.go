package rand

import (
	cr "crypto/rand"
	"encoding/base32"
)

func ID16() string {
	var b [10]byte // 10 raw bytes → 16 base32 chars
	_, _ = cr.Read(b[:])
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b[:])
}

// ClientID builds a session-unique pub/sub client identifier. Brokers
// kick the previous session when two clients share an id, so every
// dial gets a fresh suffix.
func ClientID(prefix string) string {
	return prefix + "-" + ID16()
}
