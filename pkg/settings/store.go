// Package settings provides the key-value configuration sources the session
// core reads its policy from.
//
// A Store is read once at startup. Keys are lower-case and dot separated
// ("mtproto.resend_timeout"); values are strings and interpretation is left to
// the consumer (see policy.Load).
package settings

import (
	"os"
	"sort"
	"strings"
)

// Store is a read-only key-value view of persisted configuration.
type Store interface {
	// Lookup returns the raw value for key and whether it was present.
	Lookup(key string) (string, bool)
}

// MapStore is an in-memory Store.
type MapStore map[string]string

// Lookup implements Store.
func (m MapStore) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Keys returns the stored keys in sorted order.
func (m MapStore) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DefaultEnvPrefix is the environment prefix used by NewEnvStore when none is given.
const DefaultEnvPrefix = "MTSESSION_"

// EnvStore reads keys from process environment variables.
// The key "mtproto.resend_timeout" maps to MTSESSION_MTPROTO_RESEND_TIMEOUT.
type EnvStore struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvStore creates an environment-backed store. An empty prefix selects
// DefaultEnvPrefix.
func NewEnvStore(prefix string) *EnvStore {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return &EnvStore{prefix: prefix, lookup: os.LookupEnv}
}

// Lookup implements Store.
func (s *EnvStore) Lookup(key string) (string, bool) {
	return s.lookup(s.VarName(key))
}

// VarName returns the environment variable consulted for key.
func (s *EnvStore) VarName(key string) string {
	name := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
	return s.prefix + name
}

// Chain consults stores in order and returns the first hit.
type Chain []Store

// Lookup implements Store.
func (c Chain) Lookup(key string) (string, bool) {
	for _, s := range c {
		if s == nil {
			continue
		}
		if v, ok := s.Lookup(key); ok {
			return v, true
		}
	}
	return "", false
}

// Prefixed scopes a store under a key prefix, so Lookup("a") reads "prefix.a".
func Prefixed(s Store, prefix string) Store {
	if prefix == "" {
		return s
	}
	return prefixed{store: s, prefix: strings.TrimSuffix(prefix, ".") + "."}
}

type prefixed struct {
	store  Store
	prefix string
}

func (p prefixed) Lookup(key string) (string, bool) {
	return p.store.Lookup(p.prefix + key)
}
