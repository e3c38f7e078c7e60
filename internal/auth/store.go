package auth

import (
	"context"
	"fmt"
	"time"
)

const credentialKey = "auth.token"

// KV is the persistence the credential store needs.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Store keeps the single bearer credential between runs.
type Store struct {
	kv  KV
	now func() time.Time
}

func NewStore(kv KV) *Store {
	return &Store{kv: kv, now: time.Now}
}

func (s *Store) Save(ctx context.Context, token string) (Credential, error) {
	cred, ok := Parse(token, s.now())
	if !ok {
		return Credential{}, ErrSessionExpired
	}
	if err := s.kv.Put(ctx, credentialKey, token); err != nil {
		return Credential{}, fmt.Errorf("save credential: %w", err)
	}
	return cred, nil
}

// Current returns the stored credential. An expired or undecodable one is
// removed and reported as absent.
func (s *Store) Current(ctx context.Context) (Credential, bool, error) {
	token, ok, err := s.kv.Get(ctx, credentialKey)
	if err != nil {
		return Credential{}, false, fmt.Errorf("load credential: %w", err)
	}
	if !ok {
		return Credential{}, false, nil
	}
	cred, valid := Parse(token, s.now())
	if !valid {
		if err := s.kv.Delete(ctx, credentialKey); err != nil {
			return Credential{}, false, fmt.Errorf("drop credential: %w", err)
		}
		return Credential{}, false, nil
	}
	return cred, true, nil
}

// Token returns the bearer token or "" when none is usable.
func (s *Store) Token(ctx context.Context) string {
	cred, ok, err := s.Current(ctx)
	if err != nil || !ok {
		return ""
	}
	return cred.Token
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, credentialKey); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}
