package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type memKV struct {
	mu sync.Mutex
	m  map[string]string
}

func (k *memKV) Get(_ context.Context, key string) (string, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.m[key]
	return v, ok, nil
}

func (k *memKV) Put(_ context.Context, key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.m == nil {
		k.m = map[string]string{}
	}
	k.m[key] = value
	return nil
}

func (k *memKV) Delete(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.m, key)
	return nil
}

func makeToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	body, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(body) + ".c2lnbmF0dXJl"
}

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func TestDecodeClaims(t *testing.T) {
	tok := makeToken(t, map[string]any{"sub": "nurse.joy", "role": RoleStaff, "exp": now.Add(time.Hour).Unix()})
	c, err := Decode(tok)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if c.Subject != "nurse.joy" || c.Role != RoleStaff {
		t.Fatalf("unexpected claims: %+v", c)
	}
	if c.Expired(now) {
		t.Fatal("token should be valid for another hour")
	}
	if !c.Expiry().Equal(now.Add(time.Hour)) {
		t.Fatalf("Expiry = %v", c.Expiry())
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, tok := range []string{"", "abc", "a.b", "a.%%%.c", "a." + base64.RawURLEncoding.EncodeToString([]byte("[1,2]")) + ".c"} {
		if _, err := Decode(tok); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Decode(%q) err = %v, want ErrMalformed", tok, err)
		}
	}
}

func TestParseTreatsExpiredAsAbsent(t *testing.T) {
	cases := map[string]string{
		"expired": makeToken(t, map[string]any{"sub": "a", "exp": now.Add(-time.Second).Unix()}),
		"no exp":  makeToken(t, map[string]any{"sub": "a"}),
		"garbage": "not-a-jwt",
		"blank":   "   ",
	}
	for name, tok := range cases {
		if _, ok := Parse(tok, now); ok {
			t.Fatalf("%s: Parse accepted the token", name)
		}
	}
}

func TestStoreDropsExpiredCredential(t *testing.T) {
	kv := &memKV{}
	s := NewStore(kv)
	s.now = func() time.Time { return now }

	valid := makeToken(t, map[string]any{"sub": "admin", "role": RoleAdmin, "exp": now.Add(time.Minute).Unix()})
	if _, err := s.Save(context.Background(), valid); err != nil {
		t.Fatalf("Save: %v", err)
	}
	cred, ok, err := s.Current(context.Background())
	if err != nil || !ok || cred.Claims.Role != RoleAdmin {
		t.Fatalf("Current = %+v, %v, %v", cred, ok, err)
	}

	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, ok, err := s.Current(context.Background()); ok || err != nil {
		t.Fatalf("expired credential still current (ok=%v err=%v)", ok, err)
	}
	if _, stored, _ := kv.Get(context.Background(), credentialKey); stored {
		t.Fatal("expired credential was not removed")
	}
	if s.Token(context.Background()) != "" {
		t.Fatal("Token should be empty once expired")
	}
}

func TestStoreRejectsExpiredOnSave(t *testing.T) {
	s := NewStore(&memKV{})
	s.now = func() time.Time { return now }
	tok := makeToken(t, map[string]any{"sub": "a", "exp": now.Add(-time.Hour).Unix()})
	if _, err := s.Save(context.Background(), tok); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Save err = %v, want ErrSessionExpired", err)
	}
}

func TestAllowed(t *testing.T) {
	if !Allowed(RoleStaff, ScreenStaff) || !Allowed(RoleAdmin, ScreenStaff) {
		t.Fatal("staff screen must admit staff and admin")
	}
	if Allowed(RoleStaff, ScreenAdmin) {
		t.Fatal("staff must not open the admin screen")
	}
	if !Allowed("", ScreenDisplay) || RequiresLogin(ScreenKiosk) {
		t.Fatal("display and kiosk are public")
	}
}
