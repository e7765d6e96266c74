// Package currency describes the account an uploader pays from: the
// network it is keyed by and the key that signs its items.
package currency

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/arbundles"
)

// ErrNoSigner is returned when a currency has no key configured.
var ErrNoSigner = errors.New("currency has no signer")

// Config is the narrow view of a payment currency the upload layer needs.
type Config interface {
	// Name is the path segment the node keys uploads by (e.g. "arweave").
	Name() string
	Signer() (arbundles.Signer, error)
}

type staticConfig struct {
	name   string
	signer arbundles.Signer
}

// New returns a Config backed by a fixed signer.
func New(name string, signer arbundles.Signer) Config {
	return &staticConfig{name: strings.ToLower(name), signer: signer}
}

func (c *staticConfig) Name() string { return c.name }

func (c *staticConfig) Signer() (arbundles.Signer, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("%s: %w", c.name, ErrNoSigner)
	}
	return c.signer, nil
}

// LoadKey reads an ed25519 seed stored as hex or base64url text.
func LoadKey(path string) (*arbundles.Ed25519Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	text := strings.TrimSpace(string(data))

	seed, err := hex.DecodeString(text)
	if err != nil {
		seed, err = arbundles.DecodeBase64URL(text)
		if err != nil {
			return nil, fmt.Errorf("decode key file %s: not hex or base64url", path)
		}
	}
	return arbundles.NewEd25519SignerFromSeed(seed)
}
