// Package session keeps the token a kiosk is currently holding so a restart
// resumes showing it. An entry lives until the token completes or the kiosk
// starts over.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"medqueue/internal/model"
)

type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

type Entry struct {
	Token      model.Token `json:"tokenInfo"`
	ETAMinutes *int64      `json:"etaMinutes"`
}

// Store persists one Entry per scope, normally the kiosk instance id.
type Store struct {
	kv  KV
	key string
}

func NewStore(kv KV, scope string) *Store {
	return &Store{kv: kv, key: "session." + scope}
}

// Save overwrites the entry.
func (s *Store) Save(ctx context.Context, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.kv.Put(ctx, s.key, string(b)); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Sync mirrors the holder's current state: nothing held or a COMPLETED token
// removes the entry, anything else is saved.
func (s *Store) Sync(ctx context.Context, held *model.Token, eta *int64) error {
	if held == nil || held.Status == model.TokenStatusCompleted {
		return s.Clear(ctx)
	}
	return s.Save(ctx, Entry{Token: *held, ETAMinutes: eta})
}

// Restore returns the saved entry when it still refers to a token in
// progress. Completed or unreadable entries are removed.
func (s *Store) Restore(ctx context.Context) (Entry, bool, error) {
	raw, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return Entry{}, false, fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return Entry{}, false, nil
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil || e.Token.TokenNumber == "" || e.Token.Status == model.TokenStatusCompleted {
		return Entry{}, false, s.Clear(ctx)
	}
	return e, true, nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// MemoryKV is a process-local KV.
type MemoryKV struct {
	mu sync.Mutex
	m  map[string]string
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{m: map[string]string{}}
}

func (k *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.m[key]
	return v, ok, nil
}

func (k *MemoryKV) Put(_ context.Context, key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = value
	return nil
}

func (k *MemoryKV) Delete(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.m, key)
	return nil
}
