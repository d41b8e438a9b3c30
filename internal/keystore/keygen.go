package keystore

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/cloudflare/circl/sign/schemes"
	"github.com/pkg/errors"
)

// generator produces the material for one new key. Split out so rotation's
// fail-safe path can be exercised without breaking a real scheme.
type generator func(algorithm string) (keyID string, publicKey []byte, err error)

// generateMLDSA creates a key pair for the named ML-DSA parameter set and
// derives the key ID from the public key. Only the public half leaves this
// function; the store tracks key lifecycle, not signing material.
func generateMLDSA(algorithm string) (string, []byte, error) {
	scheme := schemes.ByName(algorithm)
	if scheme == nil {
		return "", nil, errors.Wrapf(ErrUnknownAlgorithm, "algorithm %s", algorithm)
	}
	pub, _, err := scheme.GenerateKey()
	if err != nil {
		return "", nil, errors.Wrapf(err, "generate %s key", algorithm)
	}
	raw, err := pub.MarshalBinary()
	if err != nil {
		return "", nil, errors.Wrap(err, "encode public key")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), raw, nil
}
