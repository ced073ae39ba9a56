// Package shared implements small helpers used across the connection,
// session, and link layers that don't belong to any one of them.
package shared

import (
	"crypto/rand"
	"math/big"
)

const randStringAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandString returns a random alphanumeric string of length n, used to
// generate default link names and delivery tags.
func RandString(n int) string {
	b := make([]byte, n)
	max := big.NewInt(int64(len(randStringAlphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failing means the platform RNG is broken; there's
			// no sane fallback that keeps collision resistance.
			panic(err)
		}
		b[i] = randStringAlphabet[idx.Int64()]
	}
	return string(b)
}
