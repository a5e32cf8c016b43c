// Package roomcode implements the shareable room identifier: a 16-digit
// base-34 numeral with a mod-7 checksum, rendered as U/XXXX-XXXX-XXXX-XXXX,
// plus the two tunnel-naming tokens derived from the same digits.
package roomcode

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
)

// Digit alphabet. I and O are excluded as visually confusable; user input
// containing them is repaired to 1 and 0 during extraction.
const alphabet = "0123456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const (
	base      = 34
	numDigits = 16

	// rendered length: "U/" + 16 digits + 3 dashes
	renderedLen = 21

	networkNamePrefix = "scaffolding-mc-"
)

var ErrEntropy = errors.New("unable to read random source")

// codeSpace is base^numDigits; generated values are reduced into it.
var codeSpace = func() *big.Int {
	s := big.NewInt(base)
	return s.Exp(s, big.NewInt(numDigits), nil)
}()

var digitValues = func() [256]int8 {
	var v [256]int8
	for i := range v {
		v[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		v[alphabet[i]] = int8(i)
	}
	return v
}()

// Code is a validated room code. The zero value is not a valid code;
// obtain one via Generate or Extract. Digits are stored least-significant
// first.
type Code struct {
	digits [numDigits]byte
}

// Generate draws a uniformly random code whose value is a multiple of 7,
// so the checksum holds by construction and no rejection loop is needed.
func Generate() (Code, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return Code{}, errors.Join(ErrEntropy, err)
	}
	v := new(big.Int).SetBytes(raw)
	v.Mod(v, codeSpace)
	rem := new(big.Int)
	rem.Mod(v, big.NewInt(7))
	v.Sub(v, rem)

	var c Code
	b := big.NewInt(base)
	d := new(big.Int)
	for i := 0; i < numDigits; i++ {
		v.DivMod(v, b, d)
		c.digits[i] = byte(d.Int64())
	}
	return c, nil
}

// String renders the code most-significant digit first with a dash after
// every fourth digit, prefixed U/.
func (c Code) String() string {
	var sb strings.Builder
	sb.Grow(renderedLen)
	sb.WriteString("U/")
	for i := 0; i < numDigits; i++ {
		if i > 0 && i%4 == 0 {
			sb.WriteByte('-')
		}
		sb.WriteByte(alphabet[c.digits[numDigits-1-i]])
	}
	return sb.String()
}

// NetworkName derives the tunnel network name from the first half of the
// rendered digits. It is a pure function of the code.
func (c Code) NetworkName() string {
	return networkNamePrefix + c.renderHalf(0)
}

// NetworkSecret derives the tunnel shared secret from the second half of
// the rendered digits.
func (c Code) NetworkSecret() string {
	return c.renderHalf(8)
}

// renderHalf renders display digits [off, off+8) as XXXX-XXXX.
func (c Code) renderHalf(off int) string {
	var sb strings.Builder
	sb.Grow(9)
	for i := 0; i < 8; i++ {
		if i == 4 {
			sb.WriteByte('-')
		}
		sb.WriteByte(alphabet[c.digits[numDigits-1-(off+i)]])
	}
	return sb.String()
}

// Extract scans s for the first valid room code, tolerating the code being
// embedded in surrounding text (a pasted chat message) and the typos I for 1
// and O for 0. It reports false when no window passes the checksum.
func Extract(s string) (Code, bool) {
	u := strings.ToUpper(s)
	for start := 0; start+renderedLen <= len(u); start++ {
		if u[start] != 'U' || u[start+1] != '/' {
			continue
		}
		if c, ok := parseWindow(u[start+2 : start+renderedLen]); ok {
			return c, true
		}
	}
	return Code{}, false
}

// parseWindow parses a 19-char run of 16 digits with dashes at offsets
// 4, 9 and 14, then verifies the mod-7 checksum via Horner's rule from the
// most-significant digit down.
func parseWindow(w string) (Code, bool) {
	var c Code
	sum := 0
	di := 0
	for i := 0; i < len(w); i++ {
		if i == 4 || i == 9 || i == 14 {
			if w[i] != '-' {
				return Code{}, false
			}
			continue
		}
		ch := w[i]
		switch ch {
		case 'I':
			ch = '1'
		case 'O':
			ch = '0'
		}
		v := digitValues[ch]
		if v < 0 {
			return Code{}, false
		}
		sum = (sum*base + int(v)) % 7
		c.digits[numDigits-1-di] = byte(v)
		di++
	}
	if di != numDigits || sum != 0 {
		return Code{}, false
	}
	return c, true
}
