package shortid

import (
	"crypto/rand"
	"math/big"
)

const (
	tokenCharset     = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	subdomainCharset = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// New returns a cryptographically random base62 token of the given length.
func New(n int) string {
	return generate(tokenCharset, n)
}

// Subdomain returns a cryptographically random lowercase alphanumeric string
// of the given length, suitable for use as a tunnel subdomain.
func Subdomain(n int) string {
	return generate(subdomainCharset, n)
}

func generate(charset string, n int) string {
	b := make([]byte, n)
	max := big.NewInt(int64(len(charset)))
	for i := range b {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("shortid: crypto/rand failed: " + err.Error())
		}
		b[i] = charset[v.Int64()]
	}
	return string(b)
}
