package plugin

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/hyperifyio/talven/internal/engine"
	"github.com/hyperifyio/talven/internal/request"
	"github.com/hyperifyio/talven/internal/results"
)

var hashFuncs = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha224": sha256.New224,
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

// Hash answers "<algorithm> <text>" queries with the hex digest of text.
type Hash struct{ Base }

func (Hash) Info() Info {
	return Info{
		ID:          "hash",
		Name:        "Hash plugin",
		Description: "Converts strings to different hash digests.",
		HasPre:      true,
		DefaultOn:   true,
	}
}

func (Hash) PreSearch(_ context.Context, _ *request.Context, q engine.Query, c *results.Container) (engine.Query, bool, error) {
	algo, text, ok := strings.Cut(strings.TrimSpace(q.Text), " ")
	if !ok {
		return q, false, nil
	}
	newHash, ok := hashFuncs[strings.ToLower(algo)]
	text = strings.TrimSpace(text)
	if !ok || text == "" {
		return q, false, nil
	}
	h := newHash()
	h.Write([]byte(text))
	c.AddAnswer(fmt.Sprintf("%s hash digest: %s", strings.ToLower(algo), hex.EncodeToString(h.Sum(nil))))
	return q, true, nil
}
