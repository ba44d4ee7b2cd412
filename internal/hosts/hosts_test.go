package hosts

import (
	"testing"

	"github.com/sightline-dev/sightline/internal/dom"
	"github.com/sightline-dev/sightline/internal/locator"
)

func parseDoc(t *testing.T, page string) *dom.Document {
	t.Helper()
	doc, err := dom.ParseString(page)
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return doc
}

func alwaysCheck(*dom.Document) bool { return true }

func dummySource() locator.Source {
	return locator.Static(locator.SelectorSpec{Selector: "table"})
}

func TestNewRegistryValidation(t *testing.T) {
	ok := &Adapter{Name: "a", URLPatterns: []string{"example.com/**"}, Check: alwaysCheck, Source: dummySource()}
	if _, err := NewRegistry(ok); err != nil {
		t.Fatalf("NewRegistry(valid) error: %v", err)
	}

	tests := []struct {
		name    string
		adapter *Adapter
	}{
		{"no name", &Adapter{URLPatterns: []string{"x/**"}, Check: alwaysCheck, Source: dummySource()}},
		{"no patterns", &Adapter{Name: "a", Check: alwaysCheck, Source: dummySource()}},
		{"bad pattern", &Adapter{Name: "a", URLPatterns: []string{"[unclosed"}, Check: alwaysCheck, Source: dummySource()}},
		{"no source", &Adapter{Name: "a", URLPatterns: []string{"x/**"}, Check: alwaysCheck}},
		{"no check", &Adapter{Name: "a", URLPatterns: []string{"x/**"}, Source: dummySource()}},
	}
	for _, tt := range tests {
		if _, err := NewRegistry(tt.adapter); err == nil {
			t.Errorf("NewRegistry(%s) = nil error", tt.name)
		}
	}
}

func TestRegistrySelect(t *testing.T) {
	doc := parseDoc(t, `<html><body><div class="marker-a"></div></body></html>`)

	a := &Adapter{
		Name:        "a",
		URLPatterns: []string{"code.example.com/**"},
		Check:       func(d *dom.Document) bool { return d.Body().QuerySelector(".marker-a") != nil },
		Source:      dummySource(),
	}
	b := &Adapter{
		Name:        "b",
		URLPatterns: []string{"code.example.com/**"},
		Check:       func(d *dom.Document) bool { return d.Body().QuerySelector(".marker-b") != nil },
		Source:      dummySource(),
	}
	reg, err := NewRegistry(a, b)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if got := reg.Select(doc, "https://code.example.com/some/page"); got != a {
		t.Errorf("Select = %v, want adapter a", got)
	}
	if got := reg.Select(doc, "https://other.example.com/some/page"); got != nil {
		t.Errorf("Select on unmatched host = %v, want nil", got)
	}
}

func TestRegistrySelectOverlapFirstWins(t *testing.T) {
	doc := parseDoc(t, `<html><body><div class="marker"></div></body></html>`)
	check := func(d *dom.Document) bool { return d.Body().QuerySelector(".marker") != nil }

	first := &Adapter{Name: "first", URLPatterns: []string{"h.example.com/**"}, Check: check, Source: dummySource()}
	second := &Adapter{Name: "second", URLPatterns: []string{"h.example.com/**"}, Check: check, Source: dummySource()}
	reg, err := NewRegistry(first, second)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if got := reg.Select(doc, "https://h.example.com/x"); got != first {
		t.Errorf("Select with overlap = %s, want first", got.Name)
	}
}

func TestDefaultRegistry(t *testing.T) {
	reg, err := Default(map[string]string{"CORE": "example.com/core"})
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if got := len(reg.Adapters()); got != 4 {
		t.Errorf("Default registry has %d adapters, want 4", got)
	}
}

func TestOverlayMountIdempotent(t *testing.T) {
	doc := parseDoc(t, `<html><body><div class="main"></div></body></html>`)
	mount := overlayMountBySelector("m1", ".main")

	first := mount(doc)
	if first == nil {
		t.Fatal("mount returned nil")
	}
	if !first.IsInjected() {
		t.Error("mount is not marked injected")
	}
	if second := mount(doc); !first.Same(second) {
		t.Error("second mount call created a new element")
	}
}

func TestPageURL(t *testing.T) {
	doc := parseDoc(t, `<html><body data-sightline-url="https://git.corp.example/projects/X/repos/y/browse/z"></body></html>`)
	u, err := pageURL(doc)
	if err != nil {
		t.Fatalf("pageURL: %v", err)
	}
	if u.Host != "git.corp.example" {
		t.Errorf("host = %q", u.Host)
	}

	bare := parseDoc(t, `<html><body></body></html>`)
	if _, err := pageURL(bare); err == nil {
		t.Error("pageURL without annotation = nil error")
	}
}
