// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package arbiterconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// loadDocument reads path (YAML or JSON, by extension) into v.
func loadDocument(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("parse yaml %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("parse json %s: %w", path, err)
		}
	}
	return nil
}

// LoadRunConfig loads the user-authored run config document.
func LoadRunConfig(path string) (*RunConfig, error) {
	var cfg RunConfig
	if err := loadDocument(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadModelCatalog loads the model catalog document.
func LoadModelCatalog(path string) (*ModelCatalog, error) {
	var cat ModelCatalog
	if err := loadDocument(path, &cat); err != nil {
		return nil, err
	}
	return &cat, nil
}

// LoadPromptManifest loads the prompt manifest document.
func LoadPromptManifest(path string) (*PromptManifest, error) {
	var pm PromptManifest
	if err := loadDocument(path, &pm); err != nil {
		return nil, err
	}
	return &pm, nil
}
