package marker

import (
	"strings"
	"testing"
)

func TestWrapToPatchesRoundTrip(t *testing.T) {
	wrapped := Wrap("snippet1", "console.log(1)", "js", Meta{})
	patches, warnings := ToPatches(wrapped)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(patches) != 1 {
		t.Fatalf("expected 1 patch, got %d", len(patches))
	}
	p := patches[0]
	if p.ID != "snippet1" {
		t.Fatalf("unexpected id: %q", p.ID)
	}
	if p.Value != "console.log(1)" {
		t.Fatalf("unexpected value: %q", p.Value)
	}
	if !p.HasChecksum || p.Checksum != Checksum("console.log(1)") {
		t.Fatalf("unexpected checksum: %+v", p)
	}
}

func TestWrapLineCommentStyle(t *testing.T) {
	wrapped := Wrap("s1", "print('hi')", "py", Meta{})
	lines := strings.Split(wrapped, "\n")
	if !strings.HasPrefix(lines[0], "# FX:BEGIN") {
		t.Fatalf("expected python line-comment wrap, got %q", lines[0])
	}
	if !strings.HasPrefix(lines[len(lines)-1], "# FX:END") {
		t.Fatalf("expected python line-comment end, got %q", lines[len(lines)-1])
	}
}

func TestChecksumMismatchDetectable(t *testing.T) {
	body := "const x = 1;"
	wrapped := Wrap("s1", body, "js", Meta{})
	tampered := strings.Replace(wrapped, body, "const x = 2;", 1)
	patches, _ := ToPatches(tampered)
	if len(patches) != 1 {
		t.Fatalf("expected 1 patch")
	}
	if patches[0].Checksum == Checksum("const x = 2;") {
		t.Fatalf("checksum should reflect original body, exposing the tamper")
	}
}

func TestUnmatchedEndDropped(t *testing.T) {
	text := "/* FX:END id=ghost */\nsome code\n"
	patches, warnings := ToPatches(text)
	if len(patches) != 0 {
		t.Fatalf("expected no patches, got %d", len(patches))
	}
	if len(warnings) == 0 {
		t.Fatalf("expected a warning for the unmatched END")
	}
}

func TestUnterminatedBeginDropped(t *testing.T) {
	text := "/* FX:BEGIN id=s1 */\nbody\n"
	patches, warnings := ToPatches(text)
	if len(patches) != 0 {
		t.Fatalf("expected the unterminated section to be discarded, got %d patches", len(patches))
	}
	if len(warnings) == 0 {
		t.Fatalf("expected a warning for the unterminated BEGIN")
	}
}

func TestNestedMarkersDifferentIDs(t *testing.T) {
	inner := Wrap("inner", "inner body", "js", Meta{})
	outerBody := "before\n" + inner + "\nafter"
	outer := Wrap("outer", outerBody, "js", Meta{})

	patches, warnings := ToPatches(outer)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(patches) != 2 {
		t.Fatalf("expected inner and outer patches, got %d", len(patches))
	}

	var innerPatch, outerPatch *Patch
	for i := range patches {
		switch patches[i].ID {
		case "inner":
			innerPatch = &patches[i]
		case "outer":
			outerPatch = &patches[i]
		}
	}
	if innerPatch == nil || innerPatch.Value != "inner body" {
		t.Fatalf("expected inner patch body to be just its own content, got %+v", innerPatch)
	}
	if outerPatch == nil || !strings.Contains(outerPatch.Value, "FX:BEGIN id=inner") {
		t.Fatalf("expected outer patch to retain the inner markers literally, got %+v", outerPatch)
	}
	if outerPatch == nil || !strings.Contains(outerPatch.Value, "inner body") {
		t.Fatalf("expected outer patch to retain the inner body literally, got %+v", outerPatch)
	}
}

func TestMetaKeysRoundTrip(t *testing.T) {
	wrapped := Wrap("s1", "x", "js", Meta{File: "app.js", HasFile: true, Order: "3", HasOrder: true})
	patches, _ := ToPatches(wrapped)
	if len(patches) != 1 {
		t.Fatalf("expected 1 patch")
	}
	if patches[0].Meta["file"] != "app.js" {
		t.Fatalf("expected file meta to round trip, got %+v", patches[0].Meta)
	}
	if patches[0].Meta["order"] != "3" {
		t.Fatalf("expected order meta to round trip, got %+v", patches[0].Meta)
	}
}

func TestEscapedValues(t *testing.T) {
	wrapped := Wrap("s1", "x", "js", Meta{File: "a b=c\"d", HasFile: true})
	patches, warnings := ToPatches(wrapped)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if patches[0].Meta["file"] != "a b=c\"d" {
		t.Fatalf("expected escaped value to round trip, got %q", patches[0].Meta["file"])
	}
}
