package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFallsBackToDefaultsWithNoFile(t *testing.T) {
	dir := t.TempDir()
	SetHomeDir(dir)
	t.Cleanup(func() { SetHomeDir("") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NClients != Defaults().NClients {
		t.Fatalf("NClients = %d, want default %d", cfg.NClients, Defaults().NClients)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	SetHomeDir(dir)
	t.Cleanup(func() { SetHomeDir("") })

	want := File{Mailbox: "custom_mailbox", SocketPath: "/tmp/x.sock", NClients: 7, Smart: true}
	if err := Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Mailbox != want.Mailbox || got.SocketPath != want.SocketPath || got.NClients != want.NClients || got.Smart != want.Smart {
		t.Fatalf("Load = %+v, want %+v", got, want)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	SetHomeDir(dir)
	t.Cleanup(func() { SetHomeDir("") })

	if err := Save(File{NClients: 2}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	os.Setenv("FAMEZ_N_CLIENTS", "9")
	t.Cleanup(func() { os.Unsetenv("FAMEZ_N_CLIENTS") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NClients != 9 {
		t.Fatalf("NClients = %d, want env override 9", cfg.NClients)
	}
}

func TestHomeDirPrecedence(t *testing.T) {
	SetHomeDir("")
	os.Setenv("FAMEZ_HOME", "/tmp/famez-env-home")
	t.Cleanup(func() { os.Unsetenv("FAMEZ_HOME") })

	if got := HomeDir(); got != "/tmp/famez-env-home" {
		t.Fatalf("HomeDir = %q", got)
	}

	SetHomeDir(filepath.Join(t.TempDir(), "override"))
	t.Cleanup(func() { SetHomeDir("") })
	if got := HomeDir(); got == "/tmp/famez-env-home" {
		t.Fatal("explicit SetHomeDir should win over FAMEZ_HOME")
	}
}
