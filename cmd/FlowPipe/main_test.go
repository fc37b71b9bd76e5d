package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/flowdef"
	"github.com/BTreeMap/FlowPipe/internal/testutil"
)

const welcomeFlow = `
name: welcome
is_active: true
trigger_keywords: [hello]
steps:
  - name: greet
    type: end_flow
    is_entry_point: true
    config:
      message_config:
        message_type: text
        text: {body: "Welcome!"}
`

const brokenFlow = `
name: broken
is_active: true
steps: []
`

func writeFlows(t *testing.T, files map[string]string) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "flowpipe_cmd_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}
	return dir
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("FLOWPIPE_STATE_DIR", "/tmp/flowpipe-state")
	t.Setenv("FLOWPIPE_TRANSPORT", "Twilio")
	t.Setenv("HANDOVER_TIMEOUT", "45m")
	t.Setenv("MINIO_USE_SSL", "false")
	t.Setenv("DATABASE_URL", "")

	cfg := configFromEnv()
	if cfg.StateDir != "/tmp/flowpipe-state" {
		t.Errorf("Expected state dir from env, got %q", cfg.StateDir)
	}
	if cfg.Transport != TransportTwilio {
		t.Errorf("Expected lower-cased transport, got %q", cfg.Transport)
	}
	if cfg.HandoverTimeout != 45*time.Minute {
		t.Errorf("Expected 45m handover timeout, got %v", cfg.HandoverTimeout)
	}
	if cfg.MinIOUseSSL {
		t.Error("Expected MINIO_USE_SSL=false to be honoured")
	}

	if err := cfg.resolvePaths(); err != nil {
		t.Fatalf("resolvePaths failed: %v", err)
	}
	if cfg.DBDSN != filepath.Join("/tmp/flowpipe-state", DefaultDBFileName) {
		t.Errorf("Expected SQLite default in the state dir, got %q", cfg.DBDSN)
	}
	if cfg.WhatsAppDSN != filepath.Join("/tmp/flowpipe-state", DefaultWhatsAppDBFileName) {
		t.Errorf("Expected whatsmeow default in the state dir, got %q", cfg.WhatsAppDSN)
	}
}

func TestResolvePathsRejectsBadValues(t *testing.T) {
	cfg := Config{StateDir: "/tmp/x", Transport: "telegram", IntakeWorkers: 1}
	if err := cfg.resolvePaths(); err == nil {
		t.Error("Expected an error for an unknown transport")
	}
	cfg = Config{StateDir: "/tmp/x", Transport: TransportWhatsApp}
	if err := cfg.resolvePaths(); err == nil {
		t.Error("Expected an error for zero intake workers")
	}
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("API_ADDR", ":9000")
	cfg := configFromEnv()
	root := newRootCmd(&cfg)
	serve, _, err := root.Find([]string{"serve"})
	if err != nil {
		t.Fatalf("Find serve failed: %v", err)
	}
	if err := serve.Flags().Parse([]string{"--api-addr", ":7000", "--transport", "twilio"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.APIAddr != ":7000" || cfg.Transport != TransportTwilio {
		t.Errorf("Expected flags to override env, got addr %q transport %q", cfg.APIAddr, cfg.Transport)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{" warn ", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"chatty", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := parseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestEnsureDirectoriesExist(t *testing.T) {
	base := t.TempDir()
	cfg := Config{
		DBDSN:       filepath.Join(base, "db", "flowpipe.db"),
		WhatsAppDSN: "file:" + filepath.Join(base, "wa", "session.db") + "?_foreign_keys=on",
	}
	if err := ensureDirectoriesExist(cfg); err != nil {
		t.Fatalf("ensureDirectoriesExist failed: %v", err)
	}
	for _, dir := range []string{"db", "wa"} {
		if _, err := os.Stat(filepath.Join(base, dir)); err != nil {
			t.Errorf("Expected %s to be created: %v", dir, err)
		}
	}
	if err := ensureDirectoriesExist(Config{DBDSN: "postgres://u@localhost/flowpipe"}); err != nil {
		t.Errorf("Expected PostgreSQL DSNs to be skipped, got %v", err)
	}
}

func TestBuildWhatsAppOptions(t *testing.T) {
	if got := len(buildWhatsAppOptions(Config{})); got != 0 {
		t.Errorf("Expected no options, got %d", got)
	}
	cfg := Config{QROutput: "/tmp/qr.txt", NumericCode: true, WhatsAppDSN: "/tmp/wa.db"}
	if got := len(buildWhatsAppOptions(cfg)); got != 3 {
		t.Errorf("Expected 3 options, got %d", got)
	}
}

func TestBuildExecutorOptions(t *testing.T) {
	opts, err := buildExecutorOptions(Config{})
	if err != nil || len(opts) != 1 {
		t.Errorf("Expected only the handover timeout, got %d options, err %v", len(opts), err)
	}
	opts, err = buildExecutorOptions(Config{
		GatewayURL:    "https://pay.example",
		GatewayKey:    "k",
		PublicBaseURL: "https://church.example",
		AdminNumber:   "263771234567",
	})
	if err != nil || len(opts) != 4 {
		t.Errorf("Expected 4 options, got %d, err %v", len(opts), err)
	}
	if _, err := buildExecutorOptions(Config{MinIOEndpoint: "localhost:9000"}); err == nil {
		t.Error("Expected an error for MinIO without a bucket")
	}
}

func TestBuildNotifier(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	n, closeFn, err := buildNotifier(Config{}, st)
	if err != nil || n != nil {
		t.Errorf("Expected no notifier, got %v, err %v", n, err)
	}
	closeFn()

	n, _, err = buildNotifier(Config{StaffDirectory: "Pastoral=263771234567"}, st)
	if err != nil || n == nil {
		t.Errorf("Expected a staff notifier, got %v, err %v", n, err)
	}
	if _, _, err := buildNotifier(Config{StaffDirectory: "nonsense"}, st); err == nil {
		t.Error("Expected an error for a malformed staff directory")
	}
}

func TestValidateFlowsCommand(t *testing.T) {
	dir := writeFlows(t, map[string]string{"welcome.yaml": welcomeFlow})
	cfg := configFromEnv()
	root := newRootCmd(&cfg)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"validate-flows", dir})
	if err := root.Execute(); err != nil {
		t.Fatalf("validate-flows failed: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "1 flows loaded") {
		t.Errorf("Unexpected output %q", out.String())
	}

	bad := writeFlows(t, map[string]string{"broken.yaml": brokenFlow})
	out.Reset()
	root.SetArgs([]string{"validate-flows", bad})
	if err := root.Execute(); err == nil {
		t.Errorf("Expected validate-flows to fail for a flow without steps\n%s", out.String())
	}
	if !strings.Contains(out.String(), "problem:") {
		t.Errorf("Expected the problems to be printed, got %q", out.String())
	}
}

func TestSyncFlows(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	ctx := context.Background()
	dir := writeFlows(t, map[string]string{"welcome.yaml": welcomeFlow})

	var out bytes.Buffer
	if err := syncFlows(ctx, st, dir, true, &out); err != nil {
		t.Fatalf("syncFlows failed: %v", err)
	}
	stored, err := st.ListFlowDefinitions(ctx)
	if err != nil {
		t.Fatalf("ListFlowDefinitions failed: %v", err)
	}
	if len(stored) != 1 || stored[0].Name != "welcome" {
		t.Errorf("Expected the welcome flow to be stored, got %d flows", len(stored))
	}

	bad := writeFlows(t, map[string]string{"broken.yaml": brokenFlow})
	if err := syncFlows(ctx, st, bad, true, &out); err == nil {
		t.Error("Expected syncFlows to refuse fatal problems")
	}
	if stored, _ := st.ListFlowDefinitions(ctx); len(stored) != 1 {
		t.Errorf("Expected a failed sync to leave the store alone, got %d flows", len(stored))
	}
}

func TestFlowReloader(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	ctx := context.Background()
	dir := writeFlows(t, map[string]string{"welcome.yaml": welcomeFlow, "broken.yaml": brokenFlow})

	reg := flowdef.NewRegistry()
	problems, err := newFlowReloader(reg, st, dir)(ctx)
	if err == nil || len(problems) == 0 {
		t.Errorf("Expected the broken flow to be reported, got %v, err %v", problems, err)
	}
	if _, ok := reg.Get("welcome"); !ok {
		t.Error("Expected the valid flow to be registered")
	}

	// Without a directory the stored flows are authoritative.
	fromStore := flowdef.NewRegistry()
	if _, err := newFlowReloader(fromStore, st, "")(ctx); err != nil {
		t.Fatalf("Reload from store failed: %v", err)
	}
	if _, ok := fromStore.Get("welcome"); !ok {
		t.Error("Expected the synced flow to load from the store")
	}
}

func TestBundledFlowsLoad(t *testing.T) {
	var out bytes.Buffer
	reg, err := loadFlows(filepath.Join("..", "..", "flows"), &out)
	if err != nil {
		t.Fatalf("Bundled flows failed to load: %v\n%s", err, out.String())
	}
	for _, name := range []string{"main_menu", "invalid_input_flow", "member_registration", "prayer_request", "giving", "sermons", "ministries"} {
		if _, ok := reg.Get(name); !ok {
			t.Errorf("Expected bundled flow %q to be registered", name)
		}
	}
}
