package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"medqueue/internal/auth"
	"medqueue/internal/model"
)

func makeToken(t *testing.T, sub, role string, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	body, err := json.Marshal(map[string]any{"sub": sub, "role": role, "exp": exp.Unix()})
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(body) + ".c2lnbmF0dXJl"
}

func writeConfig(t *testing.T, apiURL string) string {
	t.Helper()
	dir := t.TempDir()
	if apiURL == "" {
		apiURL = "http://127.0.0.1:1"
	}
	body := fmt.Sprintf("api:\n  base_url: %s\n  rate_per_second: 0\ndatabase:\n  path: %s\n  wal_mode: false\nlogging:\n  level: error\n  format: json\n",
		apiURL, filepath.ToSlash(filepath.Join(dir, "state.db")))
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDispatch(t *testing.T) {
	var got []string
	commands := map[string]lineCommand{
		"call": func(_ context.Context, args []string) error {
			got = append(got, "call:"+strings.Join(args, ","))
			return nil
		},
		"fail": func(context.Context, []string) error { return errors.New("boom") },
	}
	var errOut bytes.Buffer

	dispatch(context.Background(), "  CALL 1 2 ", &errOut, commands)
	dispatch(context.Background(), "", &errOut, commands)
	if len(got) != 1 || got[0] != "call:1,2" {
		t.Fatalf("unexpected calls %v", got)
	}

	dispatch(context.Background(), "nope", &errOut, commands)
	if !strings.Contains(errOut.String(), `unknown command "nope"`) {
		t.Fatalf("expected unknown command message, got %q", errOut.String())
	}

	errOut.Reset()
	dispatch(context.Background(), "fail", &errOut, commands)
	if strings.TrimSpace(errOut.String()) != "error: boom" {
		t.Fatalf("unexpected error output %q", errOut.String())
	}

	errOut.Reset()
	dispatch(context.Background(), "?", &errOut, commands)
	if strings.TrimSpace(errOut.String()) != "commands: call, fail" {
		t.Fatalf("unexpected listing %q", errOut.String())
	}
}

func TestRunScreenRunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- runScreen(ctx, strings.NewReader("refresh\n"), io.Discard, map[string]lineCommand{
			"refresh": func(context.Context, []string) error {
				close(ran)
				return nil
			},
		})
	}()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("command was not dispatched")
	}
	select {
	case <-done:
		t.Fatal("screen stopped at end of input")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runScreen: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("screen did not stop")
	}
}

func TestStatePrinterCompact(t *testing.T) {
	var buf bytes.Buffer
	p := newStatePrinter(&buf, true)
	var wg sync.WaitGroup
	for i := range 4 {
		wg.Go(func() { p.print(map[string]int{"n": i}) })
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d: %q", len(lines), buf.String())
	}
	for _, line := range lines {
		var v map[string]int
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			t.Fatalf("line %q is not a JSON document: %v", line, err)
		}
	}
}

func TestExitMessage(t *testing.T) {
	if got := exitMessage(fmt.Errorf("load: %w", auth.ErrSessionExpired)); got != "session expired: please log in again" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := exitMessage(errors.New("boom")); got != "error: boom" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestWriteReportFileRemovesPartialOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.csv")
	err := writeReportFile(path, func(f *os.File) error {
		_, _ = f.WriteString("partial")
		return errors.New("no tokens")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, statErr := os.Stat(path); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("expected report file to be removed, stat err=%v", statErr)
	}

	if err := writeReportFile(path, func(f *os.File) error {
		_, err := f.WriteString("ok")
		return err
	}); err != nil {
		t.Fatalf("writeReportFile: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil || string(b) != "ok" {
		t.Fatalf("unexpected report contents %q err=%v", b, err)
	}
}

type fakeLister map[model.TokenStatus][]model.Token

func (f fakeLister) ByStatus(_ context.Context, status model.TokenStatus) ([]model.Token, error) {
	if status == model.TokenStatusWaiting && f[status] == nil {
		return nil, errors.New("waiting unavailable")
	}
	return f[status], nil
}

func TestTodaysTokens(t *testing.T) {
	lister := fakeLister{
		model.TokenStatusCompleted: {{TokenNumber: "A-1"}},
		model.TokenStatusWaiting:   {{TokenNumber: "A-2"}, {TokenNumber: "A-3"}},
	}
	completed, waiting, err := todaysTokens(context.Background(), lister)
	if err != nil {
		t.Fatalf("todaysTokens: %v", err)
	}
	if len(completed) != 1 || len(waiting) != 2 {
		t.Fatalf("unexpected split %d/%d", len(completed), len(waiting))
	}

	delete(lister, model.TokenStatusWaiting)
	if _, _, err := todaysTokens(context.Background(), lister); err == nil {
		t.Fatal("expected error when one list fails")
	}
}

func TestAuthorize(t *testing.T) {
	rt, err := openRuntime(context.Background(), writeConfig(t, ""))
	if err != nil {
		t.Fatalf("openRuntime: %v", err)
	}
	defer rt.Close()

	if _, err := rt.authorize(auth.ScreenDisplay); err != nil {
		t.Fatalf("display should be public: %v", err)
	}
	if _, err := rt.authorize(auth.ScreenStaff); !errors.Is(err, errLoginRequired) {
		t.Fatalf("expected errLoginRequired, got %v", err)
	}

	if _, err := rt.creds.Save(rt.ctx, makeToken(t, "amy", auth.RoleStaff, time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("save credential: %v", err)
	}
	cred, err := rt.authorize(auth.ScreenStaff)
	if err != nil {
		t.Fatalf("staff should open the staff screen: %v", err)
	}
	if cred.Claims.Subject != "amy" {
		t.Fatalf("unexpected subject %q", cred.Claims.Subject)
	}
	if _, err := rt.authorize(auth.ScreenAdmin); err == nil {
		t.Fatal("staff must not open the admin screen")
	}
}

func TestLoginWhoamiAndExpiredSession(t *testing.T) {
	token := makeToken(t, "amy", auth.RoleStaff, time.Now().Add(time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
			_ = json.NewEncoder(w).Encode(model.LoginResponse{Token: token})
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	cfgPath := writeConfig(t, srv.URL)

	var out bytes.Buffer
	login := newLoginCommand(&cfgPath)
	login.SetArgs([]string{"--username", "amy", "--password", "secret"})
	login.SetOut(&out)
	if err := login.Execute(); err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.Contains(out.String(), "logged in as amy (ROLE_STAFF)") {
		t.Fatalf("unexpected login output %q", out.String())
	}

	out.Reset()
	asJSON := false
	whoami := newWhoamiCommand(&cfgPath, &asJSON)
	whoami.SetArgs([]string{})
	whoami.SetOut(&out)
	if err := whoami.Execute(); err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if !strings.HasPrefix(out.String(), "amy\tROLE_STAFF\t") {
		t.Fatalf("unexpected whoami output %q", out.String())
	}

	history := newHistoryCommand(&cfgPath, &asJSON)
	history.SetArgs([]string{"5550100"})
	history.SetOut(io.Discard)
	history.SetErr(io.Discard)
	if err := history.Execute(); !errors.Is(err, auth.ErrSessionExpired) {
		t.Fatalf("expected session expiry, got %v", err)
	}

	whoami = newWhoamiCommand(&cfgPath, &asJSON)
	whoami.SetArgs([]string{})
	whoami.SetOut(io.Discard)
	whoami.SetErr(io.Discard)
	if err := whoami.Execute(); !errors.Is(err, errLoginRequired) {
		t.Fatalf("expected credential to be cleared, got %v", err)
	}
}

func TestLoadConfigMaybeFallsBackToDefaults(t *testing.T) {
	cfg, err := loadConfigMaybe(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("loadConfigMaybe: %v", err)
	}
	if cfg.Kiosk.Name != "Main Lobby Kiosk" || cfg.Kiosk.ID == "" {
		t.Fatalf("expected defaults with a generated kiosk id, got %+v", cfg.Kiosk)
	}

	cfg, err = loadConfigMaybe(writeConfig(t, "https://queue.example"))
	if err != nil {
		t.Fatalf("loadConfigMaybe: %v", err)
	}
	if cfg.API.BaseURL != "https://queue.example" {
		t.Fatalf("unexpected base url %q", cfg.API.BaseURL)
	}
}
