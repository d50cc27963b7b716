// Package credentials resolves exchange API credentials for a session's
// account. Sessions whose credentials cannot be resolved are skipped by the
// supervisor, never treated as fatal.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("credentials not found")

type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

func (c Credentials) Valid() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.APISecret) != ""
}

type Resolver interface {
	Resolve(ctx context.Context, ref string) (Credentials, error)
}

// Static resolves from an in-memory map; used for local runs and tests.
type Static map[string]Credentials

// ParseStatic turns "ref" -> "key:secret" pairs into a Static resolver.
func ParseStatic(raw map[string]string) (Static, error) {
	out := Static{}
	for ref, pair := range raw {
		key, secret, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("credentials %q: want key:secret", ref)
		}
		out[strings.TrimSpace(ref)] = Credentials{APIKey: strings.TrimSpace(key), APISecret: strings.TrimSpace(secret)}
	}
	return out, nil
}

func (s Static) Resolve(_ context.Context, ref string) (Credentials, error) {
	c, ok := s[strings.TrimSpace(ref)]
	if !ok || !c.Valid() {
		return Credentials{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return c, nil
}
