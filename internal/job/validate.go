package job

import (
	"fmt"
	"net/url"
	"qkernel/internal/apperrors"
	"regexp"
	"strings"
)

// Validation limits
const (
	MinPriority        = 0
	MaxPriority        = 9
	DefaultPriority    = 4
	DefaultShots       = 1024
	MaxShots           = 1_000_000
	MaxIsolation       = 16
	maxNameLength      = 128
	maxSourceBytes     = 1 << 20
	maxTimeoutSecs     = 86400 // 24 hours
	maxLabelKeyLen     = 64
	maxLabelValueLen   = 256
	maxLabelEntries    = 32
	maxCompilerOptions = 64
)

// idPattern matches ids the kernel generates and accepts on lookups.
// Ids become path segments in the fabric, so separators and dot segments
// are excluded.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// ValidID reports whether id is a well-formed job identifier.
func ValidID(id string) bool {
	return len(id) <= maxNameLength && idPattern.MatchString(id)
}

// DeviceCatalog answers whether a target device exists.
type DeviceCatalog interface {
	HasDevice(id string) bool
}

// ApplyDefaults sets default values for unspecified spec fields.
func ApplyDefaults(spec *Spec) {
	if spec.Shots <= 0 {
		spec.Shots = DefaultShots
	}
	if spec.Isolation.Mode == "" {
		spec.Isolation.Mode = IsolationBestEffort
	}
	if spec.Name == "" {
		spec.Name = "job"
	}
}

// Validate checks that spec is well formed and returns a validation error
// listing every violated field. Does not modify the spec.
func Validate(spec *Spec, devices DeviceCatalog) error {
	var vs []apperrors.FieldViolation
	add := func(field, format string, args ...any) {
		vs = append(vs, apperrors.FieldViolation{Field: field, Description: fmt.Sprintf(format, args...)})
	}

	if len(spec.Name) > maxNameLength {
		add("name", "name exceeds maximum length of %d", maxNameLength)
	}

	if strings.TrimSpace(spec.Program.Source) == "" {
		add("program.source", "source must be non-empty")
	} else if len(spec.Program.Source) > maxSourceBytes {
		add("program.source", "source exceeds maximum of %d bytes", maxSourceBytes)
	}
	if strings.TrimSpace(spec.Program.Entrypoint) == "" {
		add("program.entrypoint", "entrypoint is required")
	}

	switch {
	case spec.Target == "":
		add("target", "target is required")
	case devices != nil && !devices.HasDevice(spec.Target):
		add("target", "unknown target device %q", spec.Target)
	}

	if spec.Priority < MinPriority || spec.Priority > MaxPriority {
		add("priority", "priority must be between %d and %d", MinPriority, MaxPriority)
	}

	if spec.Shots < 0 || spec.Shots > MaxShots {
		add("shots", "shots must be between 1 and %d", MaxShots)
	}

	switch spec.Topology {
	case TopologyNone, TopologyLinear:
	default:
		add("topology", "unsupported topology %q", spec.Topology)
	}

	switch spec.Isolation.Mode {
	case "", IsolationBestEffort, IsolationMandatory:
	default:
		add("isolation.mode", "mode must be %q or %q", IsolationBestEffort, IsolationMandatory)
	}
	if spec.Isolation.MinDistance < 0 || spec.Isolation.MinDistance > MaxIsolation {
		add("isolation.minDistance", "minDistance must be between 0 and %d", MaxIsolation)
	}

	if spec.TimeoutSeconds < 0 || spec.TimeoutSeconds > maxTimeoutSecs {
		add("timeoutSeconds", "timeout must be between 0 and %d seconds", maxTimeoutSecs)
	}

	if len(spec.CompilerOptions) > maxCompilerOptions {
		add("compilerOptions", "compiler options exceed maximum of %d entries", maxCompilerOptions)
	}

	if len(spec.Labels) > maxLabelEntries {
		add("labels", "labels exceed maximum of %d entries", maxLabelEntries)
	}
	for k, v := range spec.Labels {
		if len(k) > maxLabelKeyLen || len(v) > maxLabelValueLen {
			add("labels", "label %q exceeds maximum key length %d or value length %d", k, maxLabelKeyLen, maxLabelValueLen)
			break
		}
	}

	if spec.Callback != nil {
		if err := validateURL(spec.Callback.URL); err != nil {
			add("callback.url", "invalid callback URL: %v", err)
		}
	}

	return apperrors.Violations(vs)
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
