package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Limits on what a configuration layer may contain
const (
	maxLayerSize = 10 << 20 // bytes per file
	maxJSONDepth = 100
	maxEnvVarLen = 10000
	maxPathLen   = 4096
)

// readLayer reads one configuration file. Deployment files are commonly
// kept outside the working directory, so any location is accepted; the
// file must be a regular JSON or YAML file of bounded size.
func readLayer(path string) ([]byte, error) {
	switch {
	case path == "":
		return nil, fmt.Errorf("empty config path")
	case len(path) > maxPathLen:
		return nil, fmt.Errorf("config path too long: %d > %d", len(path), maxPathLen)
	case formatOf(path) == "":
		return nil, fmt.Errorf("only JSON or YAML config files allowed: %s", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot stat config file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}
	if info.Size() > maxLayerSize {
		return nil, fmt.Errorf("config file too large: %d bytes > %d", info.Size(), maxLayerSize)
	}
	return os.ReadFile(path)
}

// writeLayer writes a configuration file readable by its owner only; it
// may carry NATS credentials.
func writeLayer(path string, data []byte) error {
	if formatOf(path) == "" {
		return fmt.Errorf("only JSON or YAML config files allowed: %s", path)
	}
	if len(data) > maxLayerSize {
		return fmt.Errorf("config data too large: %d bytes > %d", len(data), maxLayerSize)
	}
	return os.WriteFile(path, data, 0o600)
}

// validateEnvVar rejects override values no configuration field can hold
func validateEnvVar(key, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("environment variable %s too long: %d > %d", key, len(value), maxEnvVarLen)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("null byte in environment variable %s", key)
	}
	return nil
}

// validateJSONDepth walks the token stream and fails on nesting deeper than
// maxJSONDepth or on malformed input, before the document is decoded.
func validateJSONDepth(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("malformed JSON: %w", err)
		}
		delim, ok := tok.(json.Delim)
		if !ok {
			continue
		}
		switch delim {
		case '{', '[':
			depth++
			if depth > maxJSONDepth {
				return fmt.Errorf("JSON nesting too deep: %d > %d", depth, maxJSONDepth)
			}
		default:
			depth--
		}
	}
	if depth != 0 {
		return fmt.Errorf("malformed JSON: unclosed brackets (depth=%d)", depth)
	}
	return nil
}
