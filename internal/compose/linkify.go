package compose

import (
	"bytes"
	"fmt"
	"regexp"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// Account addresses in the 47-48 character form decode to a 1-byte network
// prefix, a 32-byte public key and a 2-byte checksum.
const (
	minAddressChars = 47
	maxAddressChars = 48

	decodedAddressLen = 35
	checksumLen       = 2
)

// checksumPreimage is the domain separator the address checksum is computed
// over, per the SS58 address format.
var checksumPreimage = []byte("SS58PRE")

// base58Run matches maximal runs over the base58 alphabet (no 0, O, I, l).
// Candidates are filtered by length and checksum afterwards; matching whole
// runs keeps a longer token from ever being linkified by one of its
// prefixes.
var base58Run = regexp.MustCompile(`[1-9A-HJ-NP-Za-km-z]+`)

// Linkifier replaces validated account addresses in body text with markdown
// links to an account explorer.
type Linkifier struct {
	explorerBase string
}

// NewLinkifier creates a Linkifier. explorerBase is the URL prefix the
// address is appended to.
func NewLinkifier(explorerBase string) *Linkifier {
	return &Linkifier{explorerBase: explorerBase}
}

// Linkify rewrites every validated account address in text as a markdown
// link. Tokens that look address-like but fail validation are left as plain
// text to avoid false-positive linkification.
func (l *Linkifier) Linkify(text string) string {
	return base58Run.ReplaceAllStringFunc(text, func(token string) string {
		if !IsAccountAddress(token) {
			return token
		}
		return fmt.Sprintf("[%s](%s%s)", token, l.explorerBase, token)
	})
}

// IsAccountAddress reports whether token is a checksum-valid account
// address: 47-48 base58 characters decoding to prefix, public key and a
// trailing checksum that matches the blake2b hash of the rest.
func IsAccountAddress(token string) bool {
	if len(token) < minAddressChars || len(token) > maxAddressChars {
		return false
	}
	decoded, err := base58.Decode(token)
	if err != nil || len(decoded) != decodedAddressLen {
		return false
	}

	body := decoded[:decodedAddressLen-checksumLen]
	sum := blake2b.Sum512(append(append([]byte{}, checksumPreimage...), body...))
	return bytes.Equal(decoded[decodedAddressLen-checksumLen:], sum[:checksumLen])
}
