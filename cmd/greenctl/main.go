package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/berylholdingsa/berylecosysteme-sub000/internal/mrv"
	"github.com/berylholdingsa/berylecosysteme-sub000/pkg/canonhash"
	"github.com/berylholdingsa/berylecosysteme-sub000/pkg/signing"
)

const usage = "usage: greenctl export verify --export <path> [--hmac-key <key>] [--ed25519-seed <hex>] | greenctl keys fingerprint --ed25519-seed <hex> [--key-version <v>] | greenctl methodology hash --file <path>"

func main() {
	if len(os.Args) < 3 {
		failSummary("", usage)
		os.Exit(2)
	}
	switch os.Args[1] + " " + os.Args[2] {
	case "export verify":
		runExportVerify(os.Args[3:])
	case "keys fingerprint":
		runKeysFingerprint(os.Args[3:])
	case "methodology hash":
		runMethodologyHash(os.Args[3:])
	default:
		failSummary("", usage)
		os.Exit(2)
	}
}

// Offline export verification: the hash check needs nothing but the file;
// signature checks run only when key material is supplied on the flags.
func runExportVerify(args []string) {
	fs := flag.NewFlagSet("export verify", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	exportPath := fs.String("export", "", "path to export json")
	hmacKey := fs.String("hmac-key", "", "HMAC key for the export's key_version")
	edSeed := fs.String("ed25519-seed", "", "hex Ed25519 seed for the export's asym_key_version")
	if err := fs.Parse(args); err != nil {
		failSummary("", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*exportPath) == "" {
		failSummary("", "--export is required")
		os.Exit(2)
	}

	raw, err := os.ReadFile(*exportPath)
	if err != nil {
		failSummary("", "read export failed: "+err.Error())
		os.Exit(1)
	}
	var exp mrv.Export
	if err := json.Unmarshal(raw, &exp); err != nil {
		failSummary("", "parse export failed: "+err.Error())
		os.Exit(1)
	}

	recomputed, _, err := canonhash.SumCanonical(exp.Payload)
	if err != nil {
		failSummary(exp.ID, "hash payload failed: "+err.Error())
		os.Exit(1)
	}
	checks := map[string]any{"hash_valid": recomputed == exp.VerificationHash}
	pass := recomputed == exp.VerificationHash

	if strings.TrimSpace(*hmacKey) != "" || strings.TrimSpace(*edSeed) != "" {
		signer, err := offlineSigner(exp, *hmacKey, *edSeed)
		if err != nil {
			failSummary(exp.ID, "build signer failed: "+err.Error())
			os.Exit(1)
		}
		if strings.TrimSpace(*hmacKey) != "" {
			ok := signer.VerifyHash(exp.VerificationHash, exp.Signature, exp.KeyVersion)
			checks["signature_valid"] = ok
			pass = pass && ok
		}
		if strings.TrimSpace(*edSeed) != "" {
			ok := signer.VerifyHashAsymmetric(exp.VerificationHash, exp.AsymSignature, exp.AsymKeyVersion)
			checks["asym_signature_valid"] = ok
			pass = pass && ok
		}
	}

	if !pass {
		failChecksSummary(exp.ID, checks)
		os.Exit(1)
	}
	passChecksSummary(exp.ID, checks)
}

func offlineSigner(exp mrv.Export, hmacKey, edSeed string) (*signing.Signer, error) {
	hmacVersion := exp.KeyVersion
	if hmacVersion == "" {
		hmacVersion = "v1"
	}
	edVersion := exp.AsymKeyVersion
	if edVersion == "" {
		edVersion = "v1"
	}
	hmacKeys := map[string]string{hmacVersion: hmacKey}
	if strings.TrimSpace(hmacKey) == "" {
		hmacKeys[hmacVersion] = "offline-placeholder-unused"
	}
	edSeeds := map[string]string{edVersion: edSeed}
	if strings.TrimSpace(edSeed) == "" {
		edSeeds[edVersion] = strings.Repeat("0", 64)
	}
	return signing.NewSignerFromKeys(hmacVersion, hmacKeys, edVersion, edSeeds)
}

func runKeysFingerprint(args []string) {
	fs := flag.NewFlagSet("keys fingerprint", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	edSeed := fs.String("ed25519-seed", "", "hex Ed25519 seed")
	keyVersion := fs.String("key-version", "v1", "key version label")
	if err := fs.Parse(args); err != nil {
		failSummary("", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*edSeed) == "" {
		failSummary("", "--ed25519-seed is required")
		os.Exit(2)
	}

	signer, err := signing.NewSignerFromKeys(
		*keyVersion, map[string]string{*keyVersion: "offline-placeholder-unused"},
		*keyVersion, map[string]string{*keyVersion: strings.TrimSpace(*edSeed)},
	)
	if err != nil {
		failSummary("", "build signer failed: "+err.Error())
		os.Exit(1)
	}
	info, err := signer.PublicKey(*keyVersion)
	if err != nil {
		failSummary("", err.Error())
		os.Exit(1)
	}
	fmt.Printf("{\"status\":\"PASS\",\"key_version\":%s,\"algorithm\":%s,\"public_key\":%s,\"fingerprint_sha256\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(info.KeyVersion),
		jsonQuote(info.Algorithm),
		jsonQuote(info.PublicKey),
		jsonQuote(info.FingerprintSHA256),
		time.Now().UTC().Format(time.RFC3339),
	)
}

func runMethodologyHash(args []string) {
	fs := flag.NewFlagSet("methodology hash", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	filePath := fs.String("file", "", "path to methodology json")
	if err := fs.Parse(args); err != nil {
		failSummary("", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*filePath) == "" {
		failSummary("", "--file is required")
		os.Exit(2)
	}

	raw, err := os.ReadFile(*filePath)
	if err != nil {
		failSummary("", "read methodology failed: "+err.Error())
		os.Exit(1)
	}
	var m mrv.Methodology
	if err := json.Unmarshal(raw, &m); err != nil {
		failSummary("", "parse methodology failed: "+err.Error())
		os.Exit(1)
	}
	h, err := m.Hash()
	if err != nil {
		failSummary(m.ID, "hash methodology failed: "+err.Error())
		os.Exit(1)
	}
	fmt.Printf("{\"status\":\"PASS\",\"methodology_id\":%s,\"version\":%s,\"methodology_hash\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(m.ID),
		jsonQuote(m.Version),
		jsonQuote(h),
		time.Now().UTC().Format(time.RFC3339),
	)
}

func passChecksSummary(exportID string, checks map[string]any) {
	fmt.Printf("{\"status\":\"PASS\",\"export_id\":%s,\"checks\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(exportID), jsonObject(checks), time.Now().UTC().Format(time.RFC3339))
}

func failChecksSummary(exportID string, checks map[string]any) {
	fmt.Printf("{\"status\":\"FAIL\",\"export_id\":%s,\"checks\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(exportID), jsonObject(checks), time.Now().UTC().Format(time.RFC3339))
}

func failSummary(exportID, reason string) {
	fmt.Printf("{\"status\":\"FAIL\",\"export_id\":%s,\"reason\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(exportID), jsonQuote(reason), time.Now().UTC().Format(time.RFC3339))
}

func jsonQuote(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func jsonObject(v map[string]any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
