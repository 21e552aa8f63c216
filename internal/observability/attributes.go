// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrTier     = "tier"
	attrState    = "state"
	attrStage    = "stage"
	attrDevice   = "device"
	attrOutcome  = "outcome"
	attrOp       = "op"
	attrArtifact = "artifact"
	attrTerminal = "terminal"
	attrTarget   = "target"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// /v1/jobs/abc123/results -> /v1/jobs/{id}/results
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func tierAttr(tier string) attribute.KeyValue {
	return attribute.String(attrTier, tier)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func stageAttr(stage string) attribute.KeyValue {
	return attribute.String(attrStage, stage)
}

func deviceAttr(id string) attribute.KeyValue {
	return attribute.String(attrDevice, id)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

func artifactAttr(name string) attribute.KeyValue {
	return attribute.String(attrArtifact, name)
}

func terminalAttr(terminal bool) attribute.KeyValue {
	return attribute.Bool(attrTerminal, terminal)
}

func targetAttr(target string) attribute.KeyValue {
	return attribute.String(attrTarget, target)
}

// normalizePath replaces the identifier segment of collection routes with a
// placeholder to bound label cardinality.
func normalizePath(path string) string {
	for _, prefix := range []string{"/v1/jobs/", "/v1/devices/"} {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok || rest == "" {
			continue
		}
		if _, tail, found := strings.Cut(rest, "/"); found {
			return prefix + "{id}/" + tail
		}
		return prefix + "{id}"
	}
	return path
}
