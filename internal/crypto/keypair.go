package crypto

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/keygen"
)

// KeyPair is a generated SSH credential. PrivateKey is an OpenSSH PEM block,
// PublicKey a single authorized_keys line ending with the generator comment.
type KeyPair struct {
	PublicKey  string
	PrivateKey string
}

// KeyGenerator produces ed25519 key pairs labeled nodex@<host>.
type KeyGenerator struct {
	hostname func() (string, error)
}

// NewKeyGenerator returns a generator that labels keys with os.Hostname.
func NewKeyGenerator() *KeyGenerator {
	return &KeyGenerator{hostname: os.Hostname}
}

// Comment returns the label embedded in generated public keys.
func (g *KeyGenerator) Comment() string {
	host, err := g.hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return "nodex@" + host
}

// Generate creates a fresh key pair. Errors only come from the entropy source.
func (g *KeyGenerator) Generate() (KeyPair, error) {
	kp, err := keygen.New("", keygen.WithKeyType(keygen.Ed25519))
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	pub := strings.TrimSpace(string(kp.RawAuthorizedKey()))
	return KeyPair{
		PublicKey:  pub + " " + g.Comment(),
		PrivateKey: string(kp.RawPrivateKey()),
	}, nil
}
