// Package shared holds small helpers with no natural home in a single
// tier of the engine.
package shared

import (
	"crypto/rand"
	"fmt"
)

const randCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandString returns a random alphanumeric string of length n, used to
// generate unique link names and container IDs when the caller doesn't
// supply one.
func RandString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("shared: crypto/rand unavailable: %v", err))
	}
	for i, v := range b {
		b[i] = randCharset[int(v)%len(randCharset)]
	}
	return string(b)
}
