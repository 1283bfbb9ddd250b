package genome

import (
	"encoding/json"
	"sort"
	"strconv"
)

// Diff is the structural delta between two genome content payloads, keyed by
// flattened section paths such as "tools/scanner" or "policies/retention".
type Diff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

// Empty reports whether the delta carries no differences.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffContent computes the structural delta from old to new content. It is a
// pure function with no side effects; both payloads are flattened into
// canonical key/value maps before comparison.
func DiffContent(oldContent, newContent GenomeContent) Diff {
	oldKeys := flattenContent(oldContent)
	newKeys := flattenContent(newContent)

	var delta Diff
	for key, oldVal := range oldKeys {
		newVal, ok := newKeys[key]
		switch {
		case !ok:
			delta.Removed = append(delta.Removed, key)
		case oldVal != newVal:
			delta.Changed = append(delta.Changed, key)
		}
	}
	for key := range newKeys {
		if _, ok := oldKeys[key]; !ok {
			delta.Added = append(delta.Added, key)
		}
	}
	sort.Strings(delta.Added)
	sort.Strings(delta.Removed)
	sort.Strings(delta.Changed)
	return delta
}

// flattenContent reduces a content payload to one comparable string per
// section entry. Values are canonical JSON so nested config changes surface
// as "changed" keys.
func flattenContent(content GenomeContent) map[string]string {
	flat := make(map[string]string)
	for name, tool := range content.Tools {
		flat["tools/"+name] = canonicalValue(tool)
	}
	for i, goal := range content.Goals {
		// Goals are ordered; index participates in the key.
		flat["goals/"+strconv.Itoa(i)] = goal
	}
	for key, value := range content.Policies {
		flat["policies/"+key] = value
	}
	for key, value := range content.Defaults {
		flat["defaults/"+key] = canonicalValue(value)
	}
	return flat
}

func canonicalValue(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "<unencodable>"
	}
	return string(data)
}
