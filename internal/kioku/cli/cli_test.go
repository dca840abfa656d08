package cli_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bdobrica/Kioku/internal/kioku/cli"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cli.RootCmd.SetOut(&out)
	cli.RootCmd.SetArgs(args)
	err := cli.RootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "kioku ") {
		t.Errorf("output = %q", out)
	}
}

func TestDecay_UsesConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "kioku.yaml")
	body := "db_path: " + filepath.Join(dir, "kioku.db") + "\nlog:\n  level: error\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	// Reports go to stdout; only the error matters here.
	if _, err := execute(t, "decay", "--config", cfgPath, "--env-file", filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("decay: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "kioku.db")); err != nil {
		t.Errorf("store was not created: %v", err)
	}
}

func TestInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "kioku.yaml")
	if err := os.WriteFile(cfgPath, []byte("queue:\n  backend: kafka\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := execute(t, "summarize", "--config", cfgPath)
	if err == nil || !strings.Contains(err.Error(), "queue.backend") {
		t.Fatalf("err = %v", err)
	}
}

