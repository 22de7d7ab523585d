package cmd

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const minKeyLength = 32

var keyEncodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// decodeKey accepts a master key as hex or any base64 variant.
func decodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("key is empty")
	}

	key, err := hex.DecodeString(s)
	if err != nil {
		for _, enc := range keyEncodings {
			if key, err = enc.DecodeString(s); err == nil {
				break
			}
		}
	}
	if err != nil {
		return nil, errors.New("key is neither hex nor base64")
	}
	if len(key) < minKeyLength {
		return nil, fmt.Errorf("key must be at least %d bytes, got %d", minKeyLength, len(key))
	}
	return key, nil
}

// parseRetiredKeys parses "version=key" pairs.
func parseRetiredKeys(entries []string) (map[int][]byte, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	retired := make(map[int][]byte, len(entries))
	for _, entry := range entries {
		version, encoded, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("retired key must be version=key")
		}
		v, err := strconv.Atoi(strings.TrimSpace(version))
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid retired key version %q", version)
		}
		if _, dup := retired[v]; dup {
			return nil, fmt.Errorf("retired key version %d given twice", v)
		}
		key, err := decodeKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("retired key %d: %w", v, err)
		}
		retired[v] = key
	}
	return retired, nil
}

// readPayload returns the inline value, or the contents of file ("-" reads stdin).
func readPayload(data, file string) ([]byte, error) {
	switch {
	case data != "" && file != "":
		return nil, errors.New("use either --data or --file, not both")
	case data != "":
		return []byte(data), nil
	case file == "-":
		return io.ReadAll(os.Stdin)
	case file != "":
		return os.ReadFile(file)
	default:
		return nil, errors.New("credential payload is required (--data or --file)")
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

// isSensitiveConfigKey checks if a configuration key holds secret material
func isSensitiveConfigKey(key string) bool {
	lowerKey := strings.ToLower(key)
	if strings.HasSuffix(lowerKey, "key_version") || strings.HasSuffix(lowerKey, "key_cache_size") ||
		strings.HasSuffix(lowerKey, "key_prefix") {
		return false
	}
	for _, sensitive := range []string{"master_key", "retired_keys", "password", "secret", "access_key", "dsn", "token"} {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

// maskSensitiveValues recursively masks sensitive values in configuration
func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
			continue
		}
		if isSensitiveConfigKey(key) && value != nil && value != "" {
			config[key] = "[REDACTED]"
		}
	}
}
