// Package botdetect issues link tokens that bind a client's address and user
// agent to a time window. Engines configured to forward the token receive it
// with every request of that client.
package botdetect

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Tokens computes and verifies link tokens.
type Tokens struct {
	key    []byte
	window time.Duration
	now    func() time.Time
}

// New returns a token issuer. The key must be 16 to 64 bytes; window is the
// rotation period, one hour when zero.
func New(key []byte, window time.Duration) (*Tokens, error) {
	if len(key) < 16 || len(key) > blake2b.Size {
		return nil, errors.New("botdetection key must be between 16 and 64 bytes")
	}
	if window <= 0 {
		window = time.Hour
	}
	return &Tokens{key: append([]byte(nil), key...), window: window, now: time.Now}, nil
}

// Token returns the token for the client in the current window.
func (t *Tokens) Token(remoteAddr, userAgent string) string {
	return t.at(remoteAddr, userAgent, t.slot(t.now()))
}

// Verify accepts tokens of the current and the previous window.
func (t *Tokens) Verify(token, remoteAddr, userAgent string) bool {
	slot := t.slot(t.now())
	for _, s := range []int64{slot, slot - 1} {
		want := t.at(remoteAddr, userAgent, s)
		if subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

func (t *Tokens) slot(now time.Time) int64 {
	return now.UnixNano() / int64(t.window)
}

func (t *Tokens) at(remoteAddr, userAgent string, slot int64) string {
	h, err := blake2b.New(16, t.key)
	if err != nil {
		// key length is validated in New
		panic(err)
	}
	h.Write([]byte(clientIP(remoteAddr)))
	h.Write([]byte{0})
	h.Write([]byte(userAgent))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(slot, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
