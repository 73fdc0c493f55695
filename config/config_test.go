package config

import (
	"strings"
	"testing"

	"github.com/launix-de/fxd/wal"
)

func TestDefaultMatchesDocumentedDefaults(t *testing.T) {
	s := Default()
	if len(s.SelectorAttrResolution) != 4 || !s.SelectorClassMatchesType || s.SelectorEnableHas {
		t.Fatalf("unexpected selector defaults: %+v", s)
	}
	if !s.GroupsReactiveDefault || s.GroupsDebounceMs != 20 {
		t.Fatalf("unexpected group defaults: %+v", s)
	}
	if s.WALFsyncPolicy != wal.FsyncInterval || s.WALFsyncIntervalMs != 200 {
		t.Fatalf("unexpected wal defaults: %+v", s)
	}
}

func TestFromMapOverridesOnlyNamedKeys(t *testing.T) {
	s, err := FromMap(map[string]string{
		"groups.debounce_ms": "50",
		"wal.fsync_policy":   "always",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.GroupsDebounceMs != 50 {
		t.Fatalf("expected debounce override, got %d", s.GroupsDebounceMs)
	}
	if s.WALFsyncPolicy != wal.FsyncAlways {
		t.Fatalf("expected fsync override, got %v", s.WALFsyncPolicy)
	}
	if !s.GroupsReactiveDefault {
		t.Fatalf("expected untouched keys to keep their default")
	}
}

func TestFromMapRejectsUnknownEnumValue(t *testing.T) {
	if _, err := FromMap(map[string]string{"autosave.strategy": "bogus"}); err == nil {
		t.Fatalf("expected an error for an unknown autosave strategy")
	}
}

func TestFromMapRejectsUnknownAttrResolutionSource(t *testing.T) {
	if _, err := FromMap(map[string]string{"selectors.attr_resolution": "meta,nope"}); err == nil {
		t.Fatalf("expected an error for an unknown attr_resolution source")
	}
}

func TestWALOptionsProjectsFsyncSettings(t *testing.T) {
	s := Default()
	opts, err := s.WALOptions()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.FsyncPolicy != wal.FsyncInterval {
		t.Fatalf("unexpected fsync policy: %v", opts.FsyncPolicy)
	}
}

func TestDescribeWALFormatsHumanReadableSize(t *testing.T) {
	s := Default()
	desc := s.DescribeWAL()
	if desc == "" {
		t.Fatalf("expected a non-empty description")
	}
	if !strings.Contains(desc, "max_frame=64MiB") {
		t.Fatalf("expected the default max frame size in human-readable form, got %q", desc)
	}
}
