package cache

import (
	"net/http"
	"testing"

	serializer "github.com/always-cache/always-offline/pkg/response-serializer"
)

func snapshot(url, body string) serializer.Snapshot {
	return serializer.Snapshot{
		URL:        url,
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       []byte(body),
	}
}

func TestStorageRejectsDuplicateNames(t *testing.T) {
	if _, err := NewStorage(NewMemCache(), TierNames{Static: "x", Fallback: "x"}); err == nil {
		t.Fatal("Expected error for duplicate tier names")
	}
}

func TestStorageMatchSearchesAllTiers(t *testing.T) {
	s, err := NewStorage(NewMemCache(), TierNames{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Dynamic().Put("https://h/app.js", snapshot("https://h/app.js", "dynamic")); err != nil {
		t.Fatal(err)
	}
	if err := s.Static().PutAll([]serializer.Snapshot{snapshot("https://h/page", "static")}); err != nil {
		t.Fatal(err)
	}
	s.Dynamic().Put("https://h/page", snapshot("https://h/page", "shadowed"))

	req, _ := http.NewRequest("GET", "https://h/page", nil)
	snap, tier, ok, err := s.Match(req)
	if err != nil || !ok {
		t.Fatalf("Match returned %v, %v", ok, err)
	}
	if tier != DefaultStaticTier || string(snap.Body) != "static" {
		t.Fatalf("Matched %s in tier %s", snap.Body, tier)
	}

	req, _ = http.NewRequest("GET", "https://h/app.js", nil)
	snap, tier, ok, _ = s.Match(req)
	if !ok || tier != DefaultDynamicTier || string(snap.Body) != "dynamic" {
		t.Fatalf("Matched %s in tier %s (%v)", snap.Body, tier, ok)
	}
}

func TestStorageMatchIgnoresUnsafeMethods(t *testing.T) {
	s, _ := NewStorage(NewMemCache(), TierNames{})
	s.Static().Put("https://h/page", snapshot("https://h/page", "static"))

	req, _ := http.NewRequest("POST", "https://h/page", nil)
	if _, _, ok, err := s.Match(req); ok || err != nil {
		t.Fatalf("POST matched: %v, %v", ok, err)
	}
}

func TestTierKeysAfterRepeatedPutAll(t *testing.T) {
	s, _ := NewStorage(NewMemCache(), TierNames{})
	batch := []serializer.Snapshot{snapshot("https://h/1", "1"), snapshot("https://h/2", "2")}
	s.Static().PutAll(batch)
	s.Static().PutAll(batch)

	keys, err := s.Static().Keys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("Keys are %v", keys)
	}
}

func TestStorageHas(t *testing.T) {
	s, _ := NewStorage(NewMemCache(), TierNames{Fallback: "apex-404"})
	s.Fallback().Put("https://h/404", snapshot("https://h/404", "gone"))

	req, _ := http.NewRequest("GET", "https://h/404", nil)
	if tier, ok, err := s.Has(req); !ok || err != nil || tier != "apex-404" {
		t.Fatalf("Has returned %s, %v, %v", tier, ok, err)
	}
	req, _ = http.NewRequest("GET", "https://h/other", nil)
	if _, ok, _ := s.Has(req); ok {
		t.Fatal("Uncached request found")
	}
}
