package config

import (
	"os"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if !cfg.Index.Enabled {
		t.Fatal("expected index enabled by default")
	}
	if cfg.Recall.MaxDocs != 5 {
		t.Fatalf("expected default maxDocs=5, got %d", cfg.Recall.MaxDocs)
	}
	if cfg.Recall.TwoStage.PerDocBlockCap != 6 {
		t.Fatalf("expected default perDocBlockCap=6, got %d", cfg.Recall.TwoStage.PerDocBlockCap)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SIYUAN_API_URL", "http://example.invalid:6806")
	t.Setenv("SIYUAN_API_TOKEN", "tok-123")

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Siyuan.APIURL != "http://example.invalid:6806" {
		t.Fatalf("env override not applied: %+v", cfg.Siyuan)
	}
	if cfg.Siyuan.APIToken != "tok-123" {
		t.Fatalf("env override not applied: %+v", cfg.Siyuan)
	}
}

func TestLoadGatewayOverridesBeatFile(t *testing.T) {
	path := t.TempDir() + "/config.toml"
	if err := os.WriteFile(path, []byte("[recall]\nmaxDocs = 3\nenabled = true\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path, map[string]any{
		"recall.maxDocs": 9,
		"recall.enabled": false,
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Recall.MaxDocs != 9 {
		t.Fatalf("gateway override not applied, got %d", cfg.Recall.MaxDocs)
	}
	if cfg.Recall.Enabled {
		t.Fatal("expected recall disabled via gateway override")
	}
}

func TestMergeLinkedDocBackwardCompat(t *testing.T) {
	cfg := Default()
	cfg.Recall.LinkedDoc = LinkedDocConfig{}
	cfg.LinkedDoc = LinkedDocConfig{Enabled: true, MaxCount: 7, HostKeywords: []string{"example.com"}}
	mergeLinkedDoc(cfg)
	if cfg.Recall.LinkedDoc.MaxCount != 7 {
		t.Fatalf("expected top-level linkedDoc.maxCount to merge in, got %d", cfg.Recall.LinkedDoc.MaxCount)
	}
	if len(cfg.Recall.LinkedDoc.HostKeywords) != 1 {
		t.Fatalf("expected hostKeywords to merge in, got %v", cfg.Recall.LinkedDoc.HostKeywords)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := Default()
	cfg.Recall.MaxContextTokens = 0
	if err := validate(cfg); err == nil {
		t.Fatal("expected validation error for zero maxContextTokens")
	}
}

func TestFindConfigFileAbsentReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	defer os.Chdir(cwd)
	os.Chdir(dir)
	if got := FindConfigFile(); got != "" {
		t.Fatalf("expected no config file found, got %q", got)
	}
}
