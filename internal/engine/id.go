package engine

import (
	"crypto/rand"
	"encoding/hex"
)

// newID returns a prefixed random identifier, e.g. "ses_3f9c…". Session ids
// name sessions on the wire; prompt ids correlate frames within one prompt.
func newID(prefix string) string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process is beyond saving.
		panic("engine: read random bytes: " + err.Error())
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
