// Package uuidx generates the identifiers of turns, streams, messages and
// artifacts.
package uuidx

import "github.com/google/uuid"

// namespace roots the name based ids derived by FromKey.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/casualjim/parley"))

// New returns a time ordered version 7 UUID. It panics if the random source
// fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

func NewString() string {
	return New().String()
}

// FromKey derives a stable version 5 UUID from kind and key. The same pair
// always yields the same id, which lets a retried operation address what the
// first attempt created.
func FromKey(kind, key string) string {
	return uuid.NewSHA1(namespace, []byte(kind+":"+key)).String()
}
