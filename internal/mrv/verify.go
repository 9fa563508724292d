package mrv

import (
	"context"
	"crypto/subtle"

	"github.com/berylholdingsa/berylecosysteme-sub000/pkg/canonhash"
	"github.com/berylholdingsa/berylecosysteme-sub000/pkg/signing"
)

// VerificationResult itemizes every check a verifier runs against an export.
// Verified is true only when all sub-checks hold.
type VerificationResult struct {
	HashValid          bool `json:"hash_valid"`
	SignatureValid     bool `json:"signature_valid"`
	AsymSignatureValid bool `json:"asym_signature_valid"`
	MethodologyValid   bool `json:"methodology_valid"`
	Verified           bool `json:"verified"`
}

// VerifyExport recomputes the canonical payload hash, checks both signatures
// against the signer's key rings and re-derives the methodology hash from the
// stored snapshot. Each check is reported independently so an auditor can see
// exactly which link of the chain broke.
func VerifyExport(ctx context.Context, exp Export, signer *signing.Signer, methodologies MethodologyReader) VerificationResult {
	var res VerificationResult

	recomputed, _, err := canonhash.SumCanonical(exp.Payload)
	if err == nil {
		res.HashValid = subtle.ConstantTimeCompare([]byte(recomputed), []byte(exp.VerificationHash)) == 1
	}

	res.SignatureValid = signer.VerifyHash(exp.VerificationHash, exp.Signature, exp.KeyVersion)
	res.AsymSignatureValid = signer.VerifyHashAsymmetric(exp.VerificationHash, exp.AsymSignature, exp.AsymKeyVersion)

	if methodology, err := methodologies.Get(ctx, exp.MethodologyID); err == nil {
		if h, err := methodology.Hash(); err == nil {
			res.MethodologyValid = h == exp.MethodologyHash
		}
	}

	res.Verified = res.HashValid && res.SignatureValid && res.AsymSignatureValid && res.MethodologyValid
	return res
}
