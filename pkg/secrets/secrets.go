// Package secrets defines the contract GreenOS uses to obtain key material and
// other sensitive configuration. Concrete backends (env, Vault, KMS) live
// behind one Provider interface; callers wrap any backend with a TTL cache.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrSecretMissing reports that the backend has no value under the name.
	ErrSecretMissing = errors.New("secret missing")
	// ErrSecretInvalid reports a value that exists but cannot be used.
	ErrSecretInvalid = errors.New("secret invalid")
)

type Provider interface {
	GetSecret(ctx context.Context, name string) (string, error)
	GetJSON(ctx context.Context, name string, dst any) error
}

// decodeJSON is shared by providers that store JSON secrets as strings.
func decodeJSON(name, raw string, dst any) error {
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("%w: %s is not valid JSON: %v", ErrSecretInvalid, name, err)
	}
	return nil
}
