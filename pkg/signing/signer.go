// Package signing implements the GreenOS dual-signature service: an HMAC-SHA256
// ring and an independent Ed25519 ring, both versioned so verification keeps
// working across rolling key rotations.
package signing

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	AlgorithmHMACSHA256 = "HMAC-SHA256"
	AlgorithmEd25519    = "Ed25519"
)

var (
	ErrNoActiveKey       = errors.New("no active key configured")
	ErrUnknownKeyVersion = errors.New("unknown key version")
)

// Signature is one produced signature with enough context to verify it later,
// including after the signing key rotates out of the active slot.
type Signature struct {
	Signature  string `json:"signature"`
	Algorithm  string `json:"algorithm"`
	KeyVersion string `json:"key_version"`
}

// PublicKeyInfo exposes Ed25519 public material for third-party verification
// outside the system.
type PublicKeyInfo struct {
	PublicKey         string `json:"public_key"`
	FingerprintSHA256 string `json:"fingerprint_sha256"`
	Algorithm         string `json:"algorithm"`
	KeyVersion        string `json:"key_version"`
}

// Signer holds both key rings. The rings are independent: rotating the HMAC
// ring never touches the Ed25519 ring.
type Signer struct {
	hmacActive string
	hmacKeys   map[string][]byte

	edActive string
	edKeys   map[string]ed25519.PrivateKey
}

// SignHash produces an HMAC-SHA256 signature (hex) over the hash string under
// the active symmetric key.
func (s *Signer) SignHash(hash string) (Signature, error) {
	key, ok := s.hmacKeys[s.hmacActive]
	if !ok {
		return Signature{}, ErrNoActiveKey
	}
	return Signature{
		Signature:  hmacHex(key, hash),
		Algorithm:  AlgorithmHMACSHA256,
		KeyVersion: s.hmacActive,
	}, nil
}

// VerifyHash checks sig against the named key version first, then against
// every other key in the ring so rotated-out keys remain verifiable.
func (s *Signer) VerifyHash(hash, sig, keyVersion string) bool {
	if key, ok := s.hmacKeys[keyVersion]; ok {
		if subtle.ConstantTimeCompare([]byte(hmacHex(key, hash)), []byte(sig)) == 1 {
			return true
		}
	}
	for version, key := range s.hmacKeys {
		if version == keyVersion {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(hmacHex(key, hash)), []byte(sig)) == 1 {
			return true
		}
	}
	return false
}

// SignHashAsymmetric produces an Ed25519 signature (base64 std) over the hash
// string under the active asymmetric key.
func (s *Signer) SignHashAsymmetric(hash string) (Signature, error) {
	priv, ok := s.edKeys[s.edActive]
	if !ok {
		return Signature{}, ErrNoActiveKey
	}
	raw := ed25519.Sign(priv, []byte(hash))
	return Signature{
		Signature:  base64.StdEncoding.EncodeToString(raw),
		Algorithm:  AlgorithmEd25519,
		KeyVersion: s.edActive,
	}, nil
}

// VerifyHashAsymmetric mirrors VerifyHash for the Ed25519 ring.
func (s *Signer) VerifyHashAsymmetric(hash, sig, keyVersion string) bool {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return false
	}
	if priv, ok := s.edKeys[keyVersion]; ok {
		if ed25519.Verify(priv.Public().(ed25519.PublicKey), []byte(hash), raw) {
			return true
		}
	}
	for version, priv := range s.edKeys {
		if version == keyVersion {
			continue
		}
		if ed25519.Verify(priv.Public().(ed25519.PublicKey), []byte(hash), raw) {
			return true
		}
	}
	return false
}

// PublicKey returns the Ed25519 public key and its SHA-256 fingerprint for the
// given version; an empty version resolves to the active one.
func (s *Signer) PublicKey(version string) (PublicKeyInfo, error) {
	if version == "" {
		version = s.edActive
	}
	priv, ok := s.edKeys[version]
	if !ok {
		return PublicKeyInfo{}, fmt.Errorf("%w: %s", ErrUnknownKeyVersion, version)
	}
	pub := priv.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	return PublicKeyInfo{
		PublicKey:         base64.StdEncoding.EncodeToString(pub),
		FingerprintSHA256: hex.EncodeToString(sum[:]),
		Algorithm:         AlgorithmEd25519,
		KeyVersion:        version,
	}, nil
}

// ActiveVersions reports the currently active version of each ring.
func (s *Signer) ActiveVersions() (hmacVersion, ed25519Version string) {
	return s.hmacActive, s.edActive
}

func hmacHex(key []byte, hash string) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(hash))
	return hex.EncodeToString(mac.Sum(nil))
}
