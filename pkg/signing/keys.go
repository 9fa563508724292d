package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/berylholdingsa/berylecosysteme-sub000/pkg/secrets"
)

const (
	// Secret names resolved through the secrets.Provider contract.
	SecretHMACRing    = "signing_hmac_ring"
	SecretEd25519Ring = "signing_ed25519_ring"
)

// shippedDefaults are placeholder values present in dev fixtures. A
// production-flagged process refuses to start with any of them configured.
var shippedDefaults = map[string]struct{}{
	"dev-hmac-secret-change-me":        {},
	"dev-ed25519-seed-change-me":       {},
	"0000000000000000000000000000000000000000000000000000000000000000": {},
}

var ErrPlaceholderKeyMaterial = errors.New("placeholder key material in production")

// ring is the JSON shape of one key-ring secret: an active version pointer
// plus version -> key material.
type ring struct {
	Active string            `json:"active"`
	Keys   map[string]string `json:"keys"`
}

// NewSigner loads both key rings from the provider. In production every
// secret must be present, well formed, and not a shipped default — the
// constructor fails fast rather than fall back to a placeholder.
func NewSigner(ctx context.Context, provider secrets.Provider, production bool) (*Signer, error) {
	var hmacRing ring
	if err := provider.GetJSON(ctx, SecretHMACRing, &hmacRing); err != nil {
		return nil, fmt.Errorf("load %s: %w", SecretHMACRing, err)
	}
	var edRing ring
	if err := provider.GetJSON(ctx, SecretEd25519Ring, &edRing); err != nil {
		return nil, fmt.Errorf("load %s: %w", SecretEd25519Ring, err)
	}

	s := &Signer{
		hmacActive: strings.TrimSpace(hmacRing.Active),
		hmacKeys:   map[string][]byte{},
		edActive:   strings.TrimSpace(edRing.Active),
		edKeys:     map[string]ed25519.PrivateKey{},
	}

	if s.hmacActive == "" || len(hmacRing.Keys) == 0 {
		return nil, fmt.Errorf("%w: %s has no active key", secrets.ErrSecretInvalid, SecretHMACRing)
	}
	for version, key := range hmacRing.Keys {
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("%w: %s %s is empty", secrets.ErrSecretInvalid, SecretHMACRing, version)
		}
		if production {
			if _, bad := shippedDefaults[key]; bad {
				return nil, fmt.Errorf("%w: %s %s", ErrPlaceholderKeyMaterial, SecretHMACRing, version)
			}
		}
		s.hmacKeys[version] = []byte(key)
	}
	if _, ok := s.hmacKeys[s.hmacActive]; !ok {
		return nil, fmt.Errorf("%w: %s active version %q not in ring", secrets.ErrSecretInvalid, SecretHMACRing, s.hmacActive)
	}

	if s.edActive == "" || len(edRing.Keys) == 0 {
		return nil, fmt.Errorf("%w: %s has no active key", secrets.ErrSecretInvalid, SecretEd25519Ring)
	}
	for version, seedHex := range edRing.Keys {
		seedHex = strings.TrimSpace(seedHex)
		if production {
			if _, bad := shippedDefaults[seedHex]; bad {
				return nil, fmt.Errorf("%w: %s %s", ErrPlaceholderKeyMaterial, SecretEd25519Ring, version)
			}
		}
		seed, err := hex.DecodeString(seedHex)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("%w: %s %s is not a %d-byte hex seed", secrets.ErrSecretInvalid, SecretEd25519Ring, version, ed25519.SeedSize)
		}
		// The public key derives from the seed; no separate public material needed.
		s.edKeys[version] = ed25519.NewKeyFromSeed(seed)
	}
	if _, ok := s.edKeys[s.edActive]; !ok {
		return nil, fmt.Errorf("%w: %s active version %q not in ring", secrets.ErrSecretInvalid, SecretEd25519Ring, s.edActive)
	}

	return s, nil
}

// NewSignerFromKeys builds a Signer from in-memory material, bypassing the
// secrets provider. Used by offline tooling and tests.
func NewSignerFromKeys(hmacActive string, hmacKeys map[string]string, edActive string, edSeeds map[string]string) (*Signer, error) {
	s := &Signer{
		hmacActive: hmacActive,
		hmacKeys:   map[string][]byte{},
		edActive:   edActive,
		edKeys:     map[string]ed25519.PrivateKey{},
	}
	for version, key := range hmacKeys {
		s.hmacKeys[version] = []byte(key)
	}
	for version, seedHex := range edSeeds {
		seed, err := hex.DecodeString(strings.TrimSpace(seedHex))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("%w: seed %s is not a %d-byte hex seed", secrets.ErrSecretInvalid, version, ed25519.SeedSize)
		}
		s.edKeys[version] = ed25519.NewKeyFromSeed(seed)
	}
	if _, ok := s.hmacKeys[hmacActive]; !ok {
		return nil, fmt.Errorf("%w: active HMAC version %q not in ring", secrets.ErrSecretInvalid, hmacActive)
	}
	if _, ok := s.edKeys[edActive]; !ok {
		return nil, fmt.Errorf("%w: active Ed25519 version %q not in ring", secrets.ErrSecretInvalid, edActive)
	}
	return s, nil
}
