// Package shared holds small helpers with no natural home in a single
// protocol layer: random link names for link attachment, and a
// non-blocking context check.
package shared

import (
	"context"
	"math/rand"
)

const base62Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandString returns a random base62 string of length n, used to
// generate a link name when the caller doesn't supply one.
func RandString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = base62Alphabet[rand.Intn(len(base62Alphabet))]
	}
	return string(b)
}

// ContextDone reports whether ctx has already been cancelled, without
// blocking. No code in this module calls it at present.
func ContextDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
