package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/errcode"
	"github.com/loqalabs/loqa-bridge/internal/runtime"
	"github.com/loqalabs/loqa-bridge/internal/voice"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	body := fmt.Sprintf(`runtime_name: voicectl-test
http:
  enabled: false
transport:
  network: tcp
  address: 127.0.0.1:1
store:
  path: %s
  retention_mode: persistent
`, filepath.Join(dir, "bridge.db"))
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", cfgPath, "--env-file", ""}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRegisterListShowUnregister(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, cfg, "register", "--token", "T1", "--module", "mock", "--name", "Test One", "--set", "chunks=4")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.Contains(out, "registered T1") {
		t.Fatalf("unexpected register output: %q", out)
	}

	out, err = run(t, cfg, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "T1") || !strings.Contains(out, "Test One") {
		t.Fatalf("list output missing voice: %q", out)
	}

	out, err = run(t, cfg, "show", "T1")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	var rec voice.Record
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("decode show output: %v", err)
	}
	if rec.Module != "mock" || rec.Config["chunks"] != "4" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if _, err := run(t, cfg, "unregister", "T1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, err := run(t, cfg, "show", "T1"); !errcode.Has(err, errcode.UnknownVoice) {
		t.Fatalf("expected UnknownVoice after unregister, got %v", err)
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	cfg := writeConfig(t)
	if _, err := run(t, cfg, "register", "--token", "T1", "--module", "mock"); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := run(t, cfg, "register", "--token", "T1", "--module", "exec")
	if !errcode.Has(err, errcode.DuplicateToken) {
		t.Fatalf("expected DuplicateToken, got %v", err)
	}
}

func TestReplaceUnknownFails(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, cfg, "replace", "--token", "nope", "--module", "mock")
	if !errcode.Has(err, errcode.UnknownVoice) {
		t.Fatalf("expected UnknownVoice, got %v", err)
	}
}

func TestRegisterRejectsBadConfigEntry(t *testing.T) {
	cfg := writeConfig(t)
	if _, err := run(t, cfg, "register", "--token", "T1", "--module", "mock", "--set", "novalue"); err == nil {
		t.Fatal("expected error for malformed --set")
	}
}

func TestNotifyRequiresBus(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, cfg, "register", "--token", "T1", "--module", "mock", "--notify")
	if err == nil || !strings.Contains(err.Error(), "bus.enabled") {
		t.Fatalf("expected bus error, got %v", err)
	}
}

// startBridge runs a bridge with one mock voice and returns its tcp address.
func startBridge(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Enabled = false
	cfg.Transport.Network = "tcp"
	cfg.Transport.Address = "127.0.0.1:0"
	cfg.Store.RetentionMode = "ephemeral"
	cfg.Voices = []config.VoiceSeed{{Token: "mock-en", Module: "mock", Config: map[string]string{"chunks": "3", "chunk_ms": "50"}}}

	rt := runtime.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case addrs := <-rt.Addrs():
		return addrs[0]
	case err := <-done:
		t.Fatalf("bridge failed: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("bridge did not start")
	}
	return ""
}

func TestSpeakWritesWAV(t *testing.T) {
	addr := startBridge(t)
	cfg := writeConfig(t)
	outPath := filepath.Join(t.TempDir(), "out.wav")

	out, err := run(t, cfg, "speak", "--network", "tcp", "--address", addr, "--voice", "mock-en", "--text", "hello world", "--out", outPath, "--events")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if !strings.Contains(out, "wrote "+outPath) {
		t.Fatalf("unexpected output: %q", out)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("output is not a wav file")
	}
	// 3 chunks of 50ms at 16kHz mono 16-bit.
	wantPCM := 3 * 16000 * 2 * 50 / 1000
	if got := binary.LittleEndian.Uint32(data[40:44]); int(got) != wantPCM {
		t.Fatalf("expected %d bytes of pcm, got %d", wantPCM, got)
	}
}

func TestSpeakUnknownVoice(t *testing.T) {
	addr := startBridge(t)
	cfg := writeConfig(t)
	_, err := run(t, cfg, "speak", "--network", "tcp", "--address", addr, "--voice", "missing", "--text", "x", "--out", filepath.Join(t.TempDir(), "x.wav"))
	if !errcode.Has(err, errcode.UnknownVoice) {
		t.Fatalf("expected UnknownVoice, got %v", err)
	}
}

func TestCapabilitiesForVoice(t *testing.T) {
	addr := startBridge(t)
	cfg := writeConfig(t)
	out, err := run(t, cfg, "capabilities", "mock-en", "--network", "tcp", "--address", addr)
	if err != nil {
		t.Fatalf("capabilities: %v", err)
	}
	if !strings.Contains(out, "synthesize") {
		t.Fatalf("expected synthesize in capabilities, got %q", out)
	}
}

func TestImportVoicePack(t *testing.T) {
	cfg := writeConfig(t)
	pack := filepath.Join(t.TempDir(), "voices.yaml")
	body := `metadata:
  name: mock-pack
  version: 1.0.0
voices:
  - token: a
    module: mock
  - token: b
    module: mock
`
	if err := os.WriteFile(pack, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, cfg, "validate", pack)
	if err != nil || !strings.Contains(out, "2 voices") {
		t.Fatalf("validate: %q %v", out, err)
	}
	if _, err := run(t, cfg, "import", pack); err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, err := run(t, cfg, "import", pack); !errcode.Has(err, errcode.DuplicateToken) {
		t.Fatalf("expected DuplicateToken on second import, got %v", err)
	}
	out, err = run(t, cfg, "import", "--replace", pack)
	if err != nil {
		t.Fatalf("import --replace: %v", err)
	}
	if !strings.Contains(out, "replaced a") || !strings.Contains(out, "replaced b") {
		t.Fatalf("unexpected output: %q", out)
	}
}
