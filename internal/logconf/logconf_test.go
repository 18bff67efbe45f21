package logconf

import (
	"log"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_EmptyPathIsNoop(t *testing.T) {
	if err := Load(""); err != nil {
		t.Fatalf("Load(\"\") returned error: %v", err)
	}
}

func TestLoad_MissingFileErrors(t *testing.T) {
	if err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoad_AppliesDefaultsAndRedirectsOutput(t *testing.T) {
	orig := log.Writer()
	defer log.SetOutput(orig)

	dir := t.TempDir()
	logFile := filepath.Join(dir, "tunnel.log")
	cfgPath := filepath.Join(dir, "log.yaml")

	yamlContent := "Filename: " + logFile + "\n"
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := Load(cfgPath); err != nil {
		t.Fatalf("Load: %v", err)
	}

	log.Print("hello")

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected log output to be written to the rotating file")
	}
}

func TestFileConfig_SetDefaults(t *testing.T) {
	c := FileConfig{}
	c.setDefaults()
	if c.MaxSize != 20 || c.MaxBackups != 5 || c.MaxAge != 28 {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}
