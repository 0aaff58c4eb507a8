package cache

import (
	"fmt"
	"net/http"

	cachekey "github.com/always-cache/always-offline/pkg/cache-key"
	serializer "github.com/always-cache/always-offline/pkg/response-serializer"
)

// Default tier names. They must stay stable across activations,
// otherwise incrementally cached content is lost.
const (
	DefaultStaticTier   = "static-cache"
	DefaultFallbackTier = "404-cache"
	DefaultDynamicTier  = "dynamic-cache"
)

// TierNames names the three tiers.
type TierNames struct {
	Static   string `yaml:"static" env:"STATIC"`
	Fallback string `yaml:"fallback" env:"FALLBACK"`
	Dynamic  string `yaml:"dynamic" env:"DYNAMIC"`
}

// Storage gives access to the named tiers of one provider.
type Storage struct {
	provider CacheProvider
	names    TierNames
}

// NewStorage wraps provider. Empty names are replaced with the defaults.
// The three names must be distinct.
func NewStorage(provider CacheProvider, names TierNames) (*Storage, error) {
	if names.Static == "" {
		names.Static = DefaultStaticTier
	}
	if names.Fallback == "" {
		names.Fallback = DefaultFallbackTier
	}
	if names.Dynamic == "" {
		names.Dynamic = DefaultDynamicTier
	}
	if names.Static == names.Fallback || names.Static == names.Dynamic || names.Fallback == names.Dynamic {
		return nil, fmt.Errorf("tier names must be distinct, got %+v", names)
	}
	return &Storage{provider: provider, names: names}, nil
}

func (s *Storage) Names() TierNames {
	return s.names
}

// Open returns the tier with the given name.
func (s *Storage) Open(name string) Tier {
	return Tier{name: name, provider: s.provider}
}

func (s *Storage) Static() Tier   { return s.Open(s.names.Static) }
func (s *Storage) Fallback() Tier { return s.Open(s.names.Fallback) }
func (s *Storage) Dynamic() Tier  { return s.Open(s.names.Dynamic) }

// Match looks the request up across all tiers, in the order static, fallback, dynamic.
// It returns the first snapshot found and the name of the tier holding it.
// Requests without a cache identity (non-GET) never match.
func (s *Storage) Match(r *http.Request) (serializer.Snapshot, string, bool, error) {
	key, err := cachekey.Key(r)
	if err != nil {
		return serializer.Snapshot{}, "", false, nil
	}
	for _, tier := range []Tier{s.Static(), s.Fallback(), s.Dynamic()} {
		snap, ok, err := tier.Match(key)
		if err != nil {
			return serializer.Snapshot{}, "", false, err
		}
		if ok {
			return snap, tier.name, true, nil
		}
	}
	return serializer.Snapshot{}, "", false, nil
}

// Has reports whether any tier holds the request, without decoding the snapshot.
func (s *Storage) Has(r *http.Request) (string, bool, error) {
	key, err := cachekey.Key(r)
	if err != nil {
		return "", false, nil
	}
	for _, tier := range []Tier{s.Static(), s.Fallback(), s.Dynamic()} {
		ok, err := s.provider.Has(tier.name, key)
		if err != nil {
			return "", false, err
		}
		if ok {
			return tier.name, true, nil
		}
	}
	return "", false, nil
}

// Tier is a single named store mapping request identities to snapshots.
type Tier struct {
	name     string
	provider CacheProvider
}

func (t Tier) Name() string {
	return t.name
}

// Match returns the snapshot stored under key.
func (t Tier) Match(key string) (serializer.Snapshot, bool, error) {
	b, ok, err := t.provider.Get(t.name, key)
	if err != nil || !ok {
		return serializer.Snapshot{}, false, err
	}
	snap, err := serializer.FromBytes(b)
	if err != nil {
		return serializer.Snapshot{}, false, fmt.Errorf("tier %s key %s: %w", t.name, key, err)
	}
	return snap, true, nil
}

// Put stores snap under key, replacing any previous snapshot.
func (t Tier) Put(key string, snap serializer.Snapshot) error {
	b, err := snap.Bytes()
	if err != nil {
		return err
	}
	return t.provider.Put(t.name, key, b)
}

// PutAll stores all snapshots, keyed by their URL, as one atomic batch.
func (t Tier) PutAll(snaps []serializer.Snapshot) error {
	entries := make([]CacheEntry, 0, len(snaps))
	for _, snap := range snaps {
		key, err := cachekey.FromURL(snap.URL)
		if err != nil {
			return fmt.Errorf("snapshot url %q: %w", snap.URL, err)
		}
		b, err := snap.Bytes()
		if err != nil {
			return err
		}
		entries = append(entries, CacheEntry{Key: key, Bytes: b})
	}
	return t.provider.PutAll(t.name, entries)
}

// Keys lists the tier's keys in insertion order.
func (t Tier) Keys() ([]string, error) {
	keys := make([]string, 0)
	err := t.provider.Keys(t.name, func(key string) {
		keys = append(keys, key)
	})
	return keys, err
}
