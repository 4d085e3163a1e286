package policy

import "time"

// Severity classifies how a deny result is treated.
type Severity string

const (
	// SeverityInfo is logged and otherwise ignored.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block the upgrade.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the upgrade.
	SeverityError Severity = "error"

	// SeverityCritical blocks the upgrade.
	SeverityCritical Severity = "critical"
)

// blocking reports whether a severity stops the upgrade.
func (s Severity) blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a single Rego rule set evaluated before the upgrade starts.
type Policy struct {
	// Name uniquely identifies the policy.
	Name string `json:"name"`

	// Description is a human-readable summary.
	Description string `json:"description"`

	// Rego holds the policy source. The package must expose a deny rule.
	Rego string `json:"rego"`

	// Severity applies to deny results that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled controls whether the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source records where the policy was loaded from.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was read.
	LoadedAt time.Time `json:"loaded_at"`
}
