package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// LoadRaw reads a configuration file into a merged raw map. $include
// directives (string or list) are resolved relative to the including
// file, depth-first, with later files overriding earlier ones and the
// including file overriding all of its includes.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	return loadRawFile(path, map[string]bool{})
}

func loadRawFile(path string, seen map[string]bool) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[abs] {
		return nil, fmt.Errorf("config include cycle detected at %s", abs)
	}
	seen[abs] = true
	defer delete(seen, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	raw, err := parseRawBytes([]byte(os.ExpandEnv(string(data))), abs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	includes, err := takeIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	merged := map[string]any{}
	baseDir := filepath.Dir(abs)
	for _, inc := range includes {
		if strings.TrimSpace(inc) == "" {
			continue
		}
		incPath := inc
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(baseDir, incPath)
		}
		incRaw, err := loadRawFile(incPath, seen)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, incRaw)
	}
	return mergeMaps(merged, raw), nil
}

// parseRawBytes decodes by extension: .json and .json5 go through the
// json5 decoder, everything else is treated as a single YAML document.
func parseRawBytes(data []byte, pathHint string) (map[string]any, error) {
	switch strings.ToLower(filepath.Ext(pathHint)) {
	case ".json", ".json5":
		var raw map[string]any
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		if raw == nil {
			raw = map[string]any{}
		}
		return raw, nil
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		if err == io.EOF {
			return map[string]any{}, nil
		}
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("expected a single document")
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// takeIncludes removes the include directive from raw and returns its
// paths. Accepts "$include" or plain "include", as a string or a list.
func takeIncludes(raw map[string]any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	var value any
	for _, key := range []string{includeKey, "include"} {
		if v, ok := raw[key]; ok {
			value = v
			delete(raw, key)
			break
		}
	}
	if value == nil {
		return nil, nil
	}

	switch typed := value.(type) {
	case string:
		return []string{typed}, nil
	case []string:
		return typed, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("include entries must be strings")
			}
			paths = append(paths, s)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("include must be a string or list of strings")
	}
}

// mergeMaps deep-merges src into dst. Nested maps merge recursively;
// everything else in src replaces the dst value.
func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if srcMap, ok := value.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(dstMap, srcMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// decodeRawConfig marshals the merged raw map back to YAML and decodes
// it strictly so unknown keys surface as errors.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
