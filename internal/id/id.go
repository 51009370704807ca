package id

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

const jobPrefix = "fj_"

// NewJob returns a random job id. If the system entropy source fails the id falls back to a
// timestamp so callers never have to handle an error.
func NewJob() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return jobPrefix + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return jobPrefix + hex.EncodeToString(b[:])
}
