package genome

import (
	"reflect"
	"testing"
)

func TestDiffContentIdentical(t *testing.T) {
	delta := DiffContent(sampleContent(), sampleContent())
	if !delta.Empty() {
		t.Fatalf("expected empty delta, got %+v", delta)
	}
}

func TestDiffContentSections(t *testing.T) {
	oldContent := sampleContent()
	newContent := sampleContent()

	delete(newContent.Tools, "reporter")
	newContent.Tools["probe"] = ToolDefinition{Command: "probe", Enabled: true}
	tool := newContent.Tools["scanner"]
	tool.Enabled = false
	newContent.Tools["scanner"] = tool
	newContent.Policies["classification"] = "il4"
	newContent.Goals = []string{"ship", "audit"}

	delta := DiffContent(oldContent, newContent)
	wantAdded := []string{"policies/classification", "tools/probe"}
	wantRemoved := []string{"tools/reporter"}
	wantChanged := []string{"goals/1", "tools/scanner"}
	if !reflect.DeepEqual(delta.Added, wantAdded) {
		t.Fatalf("added = %v, want %v", delta.Added, wantAdded)
	}
	if !reflect.DeepEqual(delta.Removed, wantRemoved) {
		t.Fatalf("removed = %v, want %v", delta.Removed, wantRemoved)
	}
	if !reflect.DeepEqual(delta.Changed, wantChanged) {
		t.Fatalf("changed = %v, want %v", delta.Changed, wantChanged)
	}
}

func TestDiffContentNestedConfig(t *testing.T) {
	oldContent := sampleContent()
	newContent := sampleContent()
	tool := newContent.Tools["reporter"]
	tool.Config = map[string]any{"format": "csv"}
	newContent.Tools["reporter"] = tool

	delta := DiffContent(oldContent, newContent)
	if len(delta.Changed) != 1 || delta.Changed[0] != "tools/reporter" {
		t.Fatalf("expected nested config change to surface, got %+v", delta)
	}
}
