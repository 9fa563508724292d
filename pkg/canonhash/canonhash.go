package canonhash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// FractionalDigits is the quantization applied to every number before hashing.
// Two payloads carrying 1.50 and 1.5000 canonicalize to the same bytes.
const FractionalDigits = 6

// CanonicalJSON returns byte-stable JSON for v: map keys sorted, numbers
// quantized to FractionalDigits with trailing zeros stripped, HTML escaping off.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, err
	}
	normalized, err := normalize(decoded)
	if err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}

// SumCanonical hashes the canonical form of v with SHA-256, lower hex.
func SumCanonical(v any) (hexHash string, canonical []byte, err error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

// SumString hashes a raw string with SHA-256, lower hex.
func SumString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func normalize(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			nv, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		// json.Marshal emits map keys in sorted order.
		return out, nil
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			nv, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out = append(out, nv)
		}
		return out, nil
	case json.Number:
		return quantize(val.String())
	case float64:
		return quantize(decimal.NewFromFloat(val).String())
	case string, bool, nil:
		return val, nil
	default:
		return nil, fmt.Errorf("canonhash: unsupported value %T", v)
	}
}

// quantize rounds to FractionalDigits and strips trailing zeros, emitted as a
// json.Number so the encoder writes it unquoted.
func quantize(s string) (any, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("canonhash: invalid number %q: %w", s, err)
	}
	return json.Number(d.Round(FractionalDigits).String()), nil
}
