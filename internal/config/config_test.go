package config

import "testing"

func TestHasHotPathPrefix(t *testing.T) {
	cfg := Default()
	cfg.StorageHotPathPrefixes = []string{"metrics/", "presence/"}

	cases := map[string]bool{
		"metrics/cpu":  true,
		"presence/bob": true,
		"doc/1":        false,
		"metrics":      false,
	}
	for name, want := range cases {
		if got := cfg.HasHotPathPrefix(name); got != want {
			t.Errorf("HasHotPathPrefix(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestIsStorageExcluded(t *testing.T) {
	cfg := Default()
	cfg.StorageExclusionPrefixes = []string{"ephemeral/"}

	if !cfg.IsStorageExcluded("ephemeral/session-1") {
		t.Error("expected ephemeral/session-1 to be excluded")
	}
	if cfg.IsStorageExcluded("doc/1") {
		t.Error("expected doc/1 to not be excluded")
	}
}
