package rvvisor

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rvvisor.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
	if got := DefaultConfig().Guest.GuestPages(); got != 0x2001 {
		t.Errorf("GuestPages() = %d, want 8193 (inclusive end)", got)
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
[hypervisor]
dram_end = 0x88000000

[guest]
name = "linux"
dram_end = 0x80100000
load_size = 1048576
`)
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}
	want := DefaultConfig()
	want.Hypervisor.DRAMEnd = 0x88000000
	want.Guest.Name = "linux"
	want.Guest.DRAMEnd = 0x80100000
	want.Guest.LoadSize = 1 << 20
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadConfig() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"unknown key", "[guest]\nmemory = 4\n", "unknown keys"},
		{"syntax", "[guest\n", "failed to decode"},
		{"invalid", "[devices]\nvirtio_irq = 12\n", "virtio irq 12"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RVVISOR_ENV", "")
			_, err := LoadConfig(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("LoadConfig() succeeded")
			}
			if Classify(err) != KindConfig {
				t.Errorf("Classify() = %s, want %s", Classify(err), KindConfig)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("LoadConfig() of a missing file succeeded")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unaligned DRAM", func(c *Config) { c.Hypervisor.DRAMStart = 0x80000100 }, "hypervisor DRAM"},
		{"empty DRAM", func(c *Config) { c.Hypervisor.DRAMEnd = c.Hypervisor.DRAMStart }, "hypervisor DRAM"},
		{"image outside DRAM", func(c *Config) { c.Hypervisor.ImageEnd = 0x70000000 }, "image end"},
		{"unaligned plic", func(c *Config) { c.Devices.PLICBase = 0x0c000004 }, "plic base"},
		{"uart irq in virtio range", func(c *Config) { c.Devices.UARTIRQ = 3 }, "uart irq 3"},
		{"uart irq too large", func(c *Config) { c.Devices.UARTIRQ = 40 }, "uart irq 40"},
		{"no name", func(c *Config) { c.Guest.Name = "" }, "guest name"},
		{"guest DRAM reversed", func(c *Config) { c.Guest.DRAMEnd = c.Guest.DRAMStart - 0x1000 }, "guest DRAM"},
		{"partial sector", func(c *Config) { c.Guest.LoadSize = 1000 }, "load size"},
		{"no progress interval", func(c *Config) { c.Guest.ProgressInterval = 0 }, "progress interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RVVISOR_ENV", "")
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() succeeded")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigEncode(t *testing.T) {
	cfg := testConfig()
	var buf bytes.Buffer
	if err := cfg.Encode(&buf); err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	var got Config
	if _, err := toml.Decode(buf.String(), &got); err != nil {
		t.Fatalf("toml.Decode() failed: %v\n%s", err, buf.String())
	}
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Errorf("Encode() round trip mismatch (-want +got):\n%s", diff)
	}
}
