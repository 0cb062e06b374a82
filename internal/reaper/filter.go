package reaper

import (
	"maps"
	"slices"
	"strings"
)

const (
	// LabelNamespace marks every resource created through this module.
	LabelNamespace = "dev.chainguard.testcontainers"
	// SessionLabel carries the id of the process that created a resource.
	SessionLabel = LabelNamespace + ".SessionId"
)

// LabelsFilter renders labels in the sidecar's filter syntax:
// label=k1=v1&label=k2=v2, with keys sorted.
func LabelsFilter(labels map[string]string) string {
	parts := make([]string, 0, len(labels))
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		parts = append(parts, "label="+k+"="+labels[k])
	}
	return strings.Join(parts, "&")
}
