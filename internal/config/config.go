// Package config loads the recall sidecar's configuration.
// Loads from: env vars > gateway overrides > config file > built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/notecortex/recall/internal/recallerr"
)

// SiyuanConfig configures the note-store HTTP client.
type SiyuanConfig struct {
	APIURL   string `toml:"apiUrl"`
	APIToken string `toml:"apiToken"`
}

// IndexConfig configures the local index store and the sync service.
type IndexConfig struct {
	Enabled                bool     `toml:"enabled"`
	DBPath                 string   `toml:"dbPath"`
	SyncIntervalMs         int      `toml:"syncIntervalMs"`
	PrivacyNotebook        string   `toml:"privacyNotebook"`
	ArchiveNotebook        string   `toml:"archiveNotebook"`
	SkipNotebookNames      []string `toml:"skipNotebookNames"`
	SectionHeadingLevels   []int    `toml:"sectionHeadingLevels"`
	MaxSectionsToIndex     int      `toml:"maxSectionsToIndex"`
	SectionMaxChars        int      `toml:"sectionMaxChars"`
	SectionDedupLines      bool     `toml:"sectionDedupLines"`
	SectionDedupWindowSize int      `toml:"sectionDedupWindowSize"`
	DocContentDedupLines   bool     `toml:"docContentDedupLines"`
	DocContentDedupWindow  int      `toml:"docContentDedupWindowSize"`
	SQLPageSize            int      `toml:"sqlPageSize"`
	MaxConcurrentFetches   int      `toml:"maxConcurrentFetches"`
	CleanupAgeDays         int      `toml:"cleanupAgeDays"`
}

// TwoStageConfig configures the retrieval engine's two-stage pipeline.
type TwoStageConfig struct {
	Enabled               bool `toml:"enabled"`
	CandidateLimitPerPath int  `toml:"candidateLimitPerPath"`
	FinalBlockLimit       int  `toml:"finalBlockLimit"`
	PerDocBlockCap        int  `toml:"perDocBlockCap"`
}

// RecallConfig configures gating, retrieval, and formatting.
type RecallConfig struct {
	Enabled              bool            `toml:"enabled"`
	MinPromptLength      int             `toml:"minPromptLength"`
	MaxContextTokens     int             `toml:"maxContextTokens"`
	MaxDocs              int             `toml:"maxDocs"`
	MaxKeywords          int             `toml:"maxKeywords"`
	SearchPaths          []string        `toml:"searchPaths"`
	TopicKeywords        []string        `toml:"topicKeywords"`
	SkipIntentTypes      []string        `toml:"skipIntentTypes"`
	BlockExcerptMaxChars int             `toml:"blockExcerptMaxChars"`
	TwoStage             TwoStageConfig  `toml:"twoStage"`
	RemoteTimeoutMs      int             `toml:"remoteTimeoutMs"`
	ExplicitSkipPhrases  []string        `toml:"explicitSkipPhrases"`
	ExplicitForcePhrases []string        `toml:"explicitForcePhrases"`
	LinkedDoc            LinkedDocConfig `toml:"linkedDoc"`
}

// LinkedDocConfig configures §4.F's linked-doc resolver.
type LinkedDocConfig struct {
	Enabled      bool     `toml:"enabled"`
	HostKeywords []string `toml:"hostKeywords"`
	MaxCount     int      `toml:"maxCount"`
}

// Config is the fully merged configuration.
type Config struct {
	Siyuan SiyuanConfig `toml:"siyuan"`
	Index  IndexConfig  `toml:"index"`
	Recall RecallConfig `toml:"recall"`
	// LinkedDoc is accepted at top level for backward compatibility;
	// Recall.LinkedDoc is authoritative once merged (see mergeLinkedDoc).
	LinkedDoc LinkedDocConfig `toml:"linkedDoc"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Index: IndexConfig{
			Enabled:                true,
			DBPath:                 "recall_index.db",
			SyncIntervalMs:         5 * 60 * 1000,
			SectionHeadingLevels:   []int{2},
			MaxSectionsToIndex:     0,
			SectionMaxChars:        1200,
			SectionDedupLines:      true,
			SectionDedupWindowSize: 200,
			DocContentDedupLines:   true,
			DocContentDedupWindow:  400,
			SQLPageSize:            200,
			MaxConcurrentFetches:   4,
			CleanupAgeDays:         30,
		},
		Recall: RecallConfig{
			Enabled:              true,
			MinPromptLength:      10,
			MaxContextTokens:     2000,
			MaxDocs:              5,
			MaxKeywords:          12,
			SearchPaths:          []string{"fts", "fulltext", "sql"},
			SkipIntentTypes:      []string{"chat", "command"},
			BlockExcerptMaxChars: 540,
			RemoteTimeoutMs:      10000,
			TwoStage: TwoStageConfig{
				Enabled:               true,
				CandidateLimitPerPath: 100,
				FinalBlockLimit:       40,
				PerDocBlockCap:        6,
			},
			ExplicitSkipPhrases:  []string{"不用回忆", "don't recall", "no context"},
			ExplicitForcePhrases: []string{"查一下我的笔记", "search my notes"},
			LinkedDoc: LinkedDocConfig{
				Enabled:  true,
				MaxCount: 3,
			},
		},
	}
}

// Load merges defaults, an optional TOML file, gateway-supplied overrides,
// and environment variables, in that precedence order (lowest to highest).
func Load(filePath string, gatewayOverrides map[string]any) (*Config, error) {
	cfg := Default()

	if filePath != "" {
		if _, err := os.Stat(filePath); err == nil {
			md, err := toml.DecodeFile(filePath, cfg)
			if err != nil {
				return nil, &recallerr.ErrConfig{Detail: fmt.Sprintf("parse %s: %v", filePath, err)}
			}
			// The file set only the top-level key: clear the built-in
			// recall.linkedDoc defaults so mergeLinkedDoc can apply it.
			if md.IsDefined("linkedDoc") && !md.IsDefined("recall", "linkedDoc") {
				cfg.Recall.LinkedDoc = LinkedDocConfig{}
			}
		} else if !os.IsNotExist(err) {
			return nil, &recallerr.ErrConfig{Detail: fmt.Sprintf("stat %s: %v", filePath, err)}
		}
	}

	applyGatewayOverrides(cfg, gatewayOverrides)
	applyEnvOverrides(cfg)
	mergeLinkedDoc(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeLinkedDoc honors the documented backward-compatible top-level
// `linkedDoc` key when `recall.linkedDoc` was left at its zero value.
func mergeLinkedDoc(cfg *Config) {
	if cfg.LinkedDoc.MaxCount == 0 && len(cfg.LinkedDoc.HostKeywords) == 0 && !cfg.LinkedDoc.Enabled {
		return
	}
	if cfg.Recall.LinkedDoc.MaxCount == 0 {
		cfg.Recall.LinkedDoc.MaxCount = cfg.LinkedDoc.MaxCount
	}
	if len(cfg.Recall.LinkedDoc.HostKeywords) == 0 {
		cfg.Recall.LinkedDoc.HostKeywords = cfg.LinkedDoc.HostKeywords
	}
	cfg.Recall.LinkedDoc.Enabled = cfg.Recall.LinkedDoc.Enabled || cfg.LinkedDoc.Enabled
}

// applyGatewayOverrides applies a loosely-typed overrides map supplied by
// the chat gateway at registration time (e.g. per-session config tweaks).
// Unknown keys are ignored rather than failing registration.
func applyGatewayOverrides(cfg *Config, overrides map[string]any) {
	if overrides == nil {
		return
	}
	if v, ok := overrides["siyuan.apiUrl"].(string); ok && v != "" {
		cfg.Siyuan.APIURL = v
	}
	if v, ok := overrides["siyuan.apiToken"].(string); ok && v != "" {
		cfg.Siyuan.APIToken = v
	}
	if v, ok := overrides["recall.enabled"].(bool); ok {
		cfg.Recall.Enabled = v
	}
	if v, ok := overrides["recall.maxDocs"].(int); ok && v > 0 {
		cfg.Recall.MaxDocs = v
	}
	if v, ok := overrides["index.enabled"].(bool); ok {
		cfg.Index.Enabled = v
	}
}

// applyEnvOverrides applies the environment overrides SIYUAN_API_URL,
// SIYUAN_API_TOKEN, RECALL_DB_PATH and RECALL_SYNC_INTERVAL_MS.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("SIYUAN_API_URL")); v != "" {
		cfg.Siyuan.APIURL = v
	}
	if v := strings.TrimSpace(os.Getenv("SIYUAN_API_TOKEN")); v != "" {
		cfg.Siyuan.APIToken = v
	}
	if v := strings.TrimSpace(os.Getenv("RECALL_DB_PATH")); v != "" {
		cfg.Index.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("RECALL_SYNC_INTERVAL_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Index.SyncIntervalMs = n
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Index.Enabled && cfg.Index.DBPath == "" {
		return &recallerr.ErrConfig{Detail: "index.dbPath must be set when index.enabled"}
	}
	if cfg.Recall.MinPromptLength < 0 {
		return &recallerr.ErrConfig{Detail: "recall.minPromptLength must be >= 0"}
	}
	if cfg.Recall.MaxContextTokens <= 0 {
		return &recallerr.ErrConfig{Detail: "recall.maxContextTokens must be > 0"}
	}
	return nil
}

// FindConfigFile returns the first existing config file among
// .recall/config.toml and recall.toml (both relative to the current
// working directory, checked in that order), or "" if neither exists.
func FindConfigFile() string {
	candidates := []string{
		filepath.Join(".recall", "config.toml"),
		"recall.toml",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}
