package preferences

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
)

// CookieName is the name of the signed preferences cookie.
const CookieName = "preferences"

// Codec signs and reads the preferences cookie. The server never stores
// preferences; the cookie is the only copy.
type Codec struct {
	sc     *securecookie.SecureCookie
	Secure bool
	MaxAge time.Duration
}

// NewCodec returns a Codec. hashKey signs the cookie and must be at least 32
// bytes; a non-empty blockKey additionally encrypts it.
func NewCodec(hashKey, blockKey []byte, secure bool) (*Codec, error) {
	if len(hashKey) < 32 {
		return nil, errors.New("preferences cookie key must be at least 32 bytes")
	}
	if len(blockKey) == 0 {
		blockKey = nil
	}
	sc := securecookie.New(hashKey, blockKey)
	sc.SetSerializer(securecookie.JSONEncoder{})
	maxAge := 5 * 365 * 24 * time.Hour
	sc.MaxAge(int(maxAge.Seconds()))
	return &Codec{sc: sc, Secure: secure, MaxAge: maxAge}, nil
}

// Read decodes the cookie. A missing cookie yields Unset() and no error; a
// tampered or expired cookie yields Unset() and the decode error.
func (c *Codec) Read(r *http.Request) (Client, error) {
	ck, err := r.Cookie(CookieName)
	if err != nil {
		return Unset(), nil
	}
	p := Unset()
	if err := c.sc.Decode(CookieName, ck.Value, &p); err != nil {
		return Unset(), err
	}
	return p, nil
}

// Write stores p in the cookie.
func (c *Codec) Write(w http.ResponseWriter, p Client) error {
	v, err := c.sc.Encode(CookieName, p)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    v,
		Path:     "/",
		MaxAge:   int(c.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}
