// Package token mints the opaque identifiers used for session handshakes.
package token

import (
	"crypto/rand"
	"encoding/base64"
)

// Size is the number of random bytes in a token before encoding.
const Size = 24

// New returns a cryptographically unpredictable opaque token. Tokens carry
// no structure and no timing relation to previously minted tokens.
func New() string {
	buf := make([]byte, Size)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; if it does,
		// minting guessable tokens is not an acceptable fallback.
		panic("token: reading random bytes: " + err.Error())
	}
	return base64.URLEncoding.EncodeToString(buf)
}
