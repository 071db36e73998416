package questforge

import (
	"context"
	"fmt"
	"os"
)

// CredentialResolver turns a credential reference into a secret.
type CredentialResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// EnvCredentials reads secrets from environment variables named by the ref.
type EnvCredentials struct{}

func (EnvCredentials) Resolve(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	v, ok := os.LookupEnv(ref)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrCredentialUnavailable, ref)
	}
	return v, nil
}

// StaticCredentials serves secrets from a map.
type StaticCredentials map[string]string

func (s StaticCredentials) Resolve(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	v, ok := s[ref]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrCredentialUnavailable, ref)
	}
	return v, nil
}
