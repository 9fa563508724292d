package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider resolves secrets from process environment variables. Names are
// normalized to upper snake case with an optional prefix, so "hmac_keys"
// with prefix "GREENOS" reads GREENOS_HMAC_KEYS.
type EnvProvider struct {
	Prefix string
}

func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{Prefix: strings.TrimSuffix(strings.TrimSpace(prefix), "_")}
}

func (p *EnvProvider) GetSecret(_ context.Context, name string) (string, error) {
	v, ok := os.LookupEnv(p.envName(name))
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretMissing, p.envName(name))
	}
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrSecretInvalid, p.envName(name))
	}
	return v, nil
}

func (p *EnvProvider) GetJSON(ctx context.Context, name string, dst any) error {
	raw, err := p.GetSecret(ctx, name)
	if err != nil {
		return err
	}
	return decodeJSON(name, raw, dst)
}

func (p *EnvProvider) envName(name string) string {
	n := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "_"))
	n = strings.ReplaceAll(n, ".", "_")
	if p.Prefix == "" {
		return n
	}
	return p.Prefix + "_" + n
}
