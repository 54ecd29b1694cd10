package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/minios-linux/mvkit/measures"
)

func m(name, expr string) measures.Measure {
	return measures.Measure{Name: name, Expression: expr}
}

func newLock() *LockFile {
	return &LockFile{
		Version:   Version,
		Checksums: make(map[string]map[string]string),
	}
}

func TestHashDeterministic(t *testing.T) {
	h1 := Hash("hello world")
	h2 := Hash("hello world")
	if h1 != h2 {
		t.Errorf("Hash not deterministic: %s != %s", h1, h2)
	}
	h3 := Hash("different")
	if h1 == h3 {
		t.Errorf("Hash collision: %s == %s", h1, h3)
	}
}

func TestLoadNonExistent(t *testing.T) {
	lf, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load returned error for non-existent file: %v", err)
	}
	if lf.Version != Version {
		t.Errorf("Version = %d, want %d", lf.Version, Version)
	}
	if len(lf.Checksums) != 0 {
		t.Errorf("Checksums not empty: %v", lf.Checksums)
	}
}

func TestLoadRejectsNewerVersion(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, LockFileName), []byte("version: 99\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Error("expected error for unsupported version")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, LockFileName), []byte("checksums: [\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Error("expected parse error")
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()

	lf, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	lf.Record("model/sales.json", []measures.Measure{m("Total Revenue", "SUM(x)"), m("Total Quantity", "SUM(q)")})
	lf.Record("model/hr.json", []measures.Measure{m("Headcount", "COUNTROWS(Emp)")})

	if err := lf.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := filepath.Join(dir, LockFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatalf("Lock file not created at %s", path)
	}

	lf2, err := Load(dir)
	if err != nil {
		t.Fatalf("Load after save: %v", err)
	}

	inputs, keys := lf2.Stats()
	if inputs != 2 {
		t.Errorf("inputs = %d, want 2", inputs)
	}
	if keys != 3 {
		t.Errorf("keys = %d, want 3", keys)
	}
	if lf2.IsChanged("model/sales.json", m("Total Revenue", "SUM(x)")) {
		t.Error("recorded measure should not be changed after reload")
	}
}

func TestSaveWithoutPath(t *testing.T) {
	if err := newLock().Save(); err == nil {
		t.Error("expected error when path is not set")
	}
}

func TestIsChanged(t *testing.T) {
	lf := newLock()
	rev := m("Total Revenue", "SUM('FactSales'[Revenue])")

	if !lf.IsChanged("in.json", rev) {
		t.Error("new measure should be changed")
	}

	lf.Record("in.json", []measures.Measure{rev})
	if lf.IsChanged("in.json", rev) {
		t.Error("unchanged measure should not be changed")
	}

	if !lf.IsChanged("in.json", m("Total Revenue", "SUM('FactSales'[NetRevenue])")) {
		t.Error("modified expression should be changed")
	}

	if !lf.IsChanged("other.json", rev) {
		t.Error("different input should be changed")
	}
}

func TestFilterChangedKeepsOrder(t *testing.T) {
	lf := newLock()
	lf.Record("in.json", []measures.Measure{m("A", "SUM(a)"), m("B", "SUM(b)")})

	units := []measures.Measure{
		m("New", "SUM(n)"),
		m("A", "SUM(a)"),  // unchanged
		m("B", "SUM(b2)"), // changed
	}
	changed := lf.FilterChanged("in.json", units)

	if len(changed) != 2 {
		t.Fatalf("changed count = %d, want 2", len(changed))
	}
	if changed[0].Name != "New" || changed[1].Name != "B" {
		t.Errorf("changed = %v, want [New B]", measures.Names(changed))
	}
}

func TestFilterChangedUnknownInput(t *testing.T) {
	units := []measures.Measure{m("A", "1"), m("B", "2")}
	if got := newLock().FilterChanged("in.json", units); len(got) != 2 {
		t.Errorf("all measures of an unknown input should be changed, got %d", len(got))
	}
}

func TestRecordEmptyIsNoop(t *testing.T) {
	lf := newLock()
	lf.Record("in.json", nil)
	if inputs, _ := lf.Stats(); inputs != 0 {
		t.Errorf("inputs = %d, want 0", inputs)
	}
}

func TestClean(t *testing.T) {
	lf := newLock()
	lf.Record("in.json", []measures.Measure{m("A", "1"), m("B", "2"), m("Deleted", "3")})

	removed := lf.Clean("in.json", []string{"A", "B"})
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if lf.IsChanged("in.json", m("A", "1")) {
		t.Error("A should still be tracked")
	}
	if !lf.IsChanged("in.json", m("Deleted", "3")) {
		t.Error("Deleted should be removed by Clean")
	}

	if lf.Clean("in.json", nil) != 2 {
		t.Error("cleaning with no names should remove everything")
	}
	if inputs, _ := lf.Stats(); inputs != 0 {
		t.Errorf("empty input should be dropped, inputs = %d", inputs)
	}
}

func TestRemoveInput(t *testing.T) {
	lf := newLock()
	lf.Record("in.json", []measures.Measure{m("A", "1")})
	lf.RemoveInput("in.json")

	inputs, _ := lf.Stats()
	if inputs != 0 {
		t.Errorf("inputs after RemoveInput = %d, want 0", inputs)
	}
}

func TestInputs(t *testing.T) {
	lf := newLock()
	for _, in := range []string{"b.json", "c.yaml", "a.json"} {
		lf.Record(in, []measures.Measure{m("A", "1")})
	}

	inputs := lf.Inputs()
	expected := []string{"a.json", "b.json", "c.yaml"}
	if len(inputs) != len(expected) {
		t.Fatalf("inputs len = %d, want %d", len(inputs), len(expected))
	}
	for i, want := range expected {
		if inputs[i] != want {
			t.Errorf("inputs[%d] = %q, want %q", i, inputs[i], want)
		}
	}
}

func TestInputKey(t *testing.T) {
	root := filepath.Join("/work", "proj")
	tests := []struct {
		root, path, want string
	}{
		{root, filepath.Join(root, "model", "measures.json"), "model/measures.json"},
		{root, filepath.Join("/elsewhere", "m.json"), "/elsewhere/m.json"},
		{"", filepath.Join("model", "m.yaml"), "model/m.yaml"},
	}
	for _, tt := range tests {
		if got := InputKey(tt.root, tt.path); got != tt.want {
			t.Errorf("InputKey(%q, %q) = %q, want %q", tt.root, tt.path, got, tt.want)
		}
	}
}

func TestMeasureContent(t *testing.T) {
	c1 := MeasureContent(m("key1", "value1"))
	c2 := MeasureContent(m("key1", "value2"))
	c3 := MeasureContent(m("key2", "value1"))
	if c1 == c2 {
		t.Error("different expressions should produce different content")
	}
	if c1 == c3 {
		t.Error("different names should produce different content")
	}
}

func TestSummary(t *testing.T) {
	lf := newLock()

	if lf.Summary() != "empty" {
		t.Errorf("empty summary = %q, want %q", lf.Summary(), "empty")
	}

	lf.Record("a.json", []measures.Measure{m("A", "1"), m("B", "2")})
	lf.Record("b.json", []measures.Measure{m("A", "1")})
	want := "2 inputs, 3 measures (a.json: 2 measures, b.json: 1 measures)"
	if s := lf.Summary(); s != want {
		t.Errorf("summary = %q, want %q", s, want)
	}
}

func TestConcurrentAccess(t *testing.T) {
	lf := newLock()

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func(n int) {
			mm := m(fmt.Sprintf("key%d", n), "value")
			lf.Record("in.json", []measures.Measure{mm})
			lf.IsChanged("in.json", mm)
			lf.Stats()
			done <- true
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	_, keys := lf.Stats()
	if keys != 10 {
		t.Errorf("keys after concurrent writes = %d, want 10", keys)
	}
}
