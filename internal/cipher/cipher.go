// Package cipher holds the symmetric transforms applied to chat text before
// it crosses the wire. None of them is a security boundary.
package cipher

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20"

	"github.com/andy6609/chatdir/internal/protocol"
)

// Cipher transforms message text keyed by the message intent. Applying the
// same cipher twice with the same intent returns the original text.
type Cipher interface {
	Apply(flag protocol.Intent, text []byte) []byte
}

// New returns the cipher registered under name. The empty name selects xor.
func New(name, key string) (Cipher, error) {
	switch strings.ToLower(name) {
	case "", "xor":
		return XOR{}, nil
	case "chacha20":
		return NewChaCha20(key), nil
	case "none":
		return Identity{}, nil
	default:
		return nil, fmt.Errorf("unknown cipher %q", name)
	}
}

type Identity struct{}

func (Identity) Apply(_ protocol.Intent, text []byte) []byte {
	return append([]byte(nil), text...)
}

// XOR flips every byte with the intent value.
type XOR struct{}

func (XOR) Apply(flag protocol.Intent, text []byte) []byte {
	out := make([]byte, len(text))
	for i, b := range text {
		out[i] = b ^ byte(flag)
	}
	return out
}

type ChaCha20 struct {
	key [chacha20.KeySize]byte
}

func NewChaCha20(passphrase string) *ChaCha20 {
	return &ChaCha20{key: sha256.Sum256([]byte(passphrase))}
}

func (c *ChaCha20) Apply(flag protocol.Intent, text []byte) []byte {
	var nonce [chacha20.NonceSize]byte
	nonce[0] = byte(flag)
	s, err := chacha20.NewUnauthenticatedCipher(c.key[:], nonce[:])
	if err != nil {
		// key and nonce sizes are fixed above
		panic(err)
	}
	out := make([]byte, len(text))
	s.XORKeyStream(out, text)
	return out
}

// Seal and Open are the string helpers used by sessions and room servers.
func Seal(c Cipher, flag protocol.Intent, text string) string {
	return string(c.Apply(flag, []byte(text)))
}

func Open(c Cipher, flag protocol.Intent, text string) string {
	return string(c.Apply(flag, []byte(text)))
}
