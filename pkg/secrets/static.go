package secrets

import (
	"context"
	"fmt"
)

// StaticProvider serves secrets from an in-memory map. It is the deterministic
// test double for every backend behind the Provider contract.
type StaticProvider struct {
	Values map[string]string
}

func NewStaticProvider(values map[string]string) *StaticProvider {
	return &StaticProvider{Values: values}
}

func (p *StaticProvider) GetSecret(_ context.Context, name string) (string, error) {
	v, ok := p.Values[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretMissing, name)
	}
	return v, nil
}

func (p *StaticProvider) GetJSON(ctx context.Context, name string, dst any) error {
	raw, err := p.GetSecret(ctx, name)
	if err != nil {
		return err
	}
	return decodeJSON(name, raw, dst)
}
