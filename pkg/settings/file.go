package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// FileStore is a Store loaded from a TOML or YAML document.
// Nested tables are flattened with dots: [mtproto] resend_timeout = "10s"
// becomes "mtproto.resend_timeout".
type FileStore struct {
	path   string
	values MapStore
}

// LoadFile parses the file at path, choosing the decoder by extension
// (.toml, .yaml, .yml).
func LoadFile(path string) (*FileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}
	format := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	values, err := Parse(format, data)
	if err != nil {
		return nil, fmt.Errorf("settings: %s: %w", path, err)
	}
	return &FileStore{path: path, values: values}, nil
}

// Parse decodes a document in the given format ("toml", "yaml" or "yml").
func Parse(format string, data []byte) (MapStore, error) {
	raw := make(map[string]any)
	switch format {
	case "toml":
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, err
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	out := make(MapStore)
	if err := flatten("", raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Path returns the file the store was loaded from.
func (s *FileStore) Path() string { return s.path }

// Lookup implements Store.
func (s *FileStore) Lookup(key string) (string, bool) {
	return s.values.Lookup(key)
}

// Keys returns every flattened key in the file.
func (s *FileStore) Keys() []string { return s.values.Keys() }

func flatten(prefix string, v any, out MapStore) error {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if err := flatten(join(prefix, k), child, out); err != nil {
				return err
			}
		}
	case map[any]any:
		for k, child := range val {
			if err := flatten(join(prefix, fmt.Sprint(k)), child, out); err != nil {
				return err
			}
		}
	case string:
		out[prefix] = val
	case bool:
		out[prefix] = strconv.FormatBool(val)
	case int:
		out[prefix] = strconv.Itoa(val)
	case int64:
		out[prefix] = strconv.FormatInt(val, 10)
	case uint64:
		out[prefix] = strconv.FormatUint(val, 10)
	case float64:
		out[prefix] = strconv.FormatFloat(val, 'f', -1, 64)
	case time.Duration:
		out[prefix] = val.String()
	case time.Time:
		out[prefix] = val.Format(time.RFC3339Nano)
	case nil:
		// empty values are treated as absent
	default:
		return fmt.Errorf("%w: %s has type %T", ErrInvalidValue, prefix, v)
	}
	return nil
}

func join(prefix, key string) string {
	key = strings.ToLower(key)
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
