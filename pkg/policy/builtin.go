package policy

import "time"

// builtinPolicies returns the policies shipped with the tool. Operators
// can replace any of them by loading a policy with the same name.
func builtinPolicies() []Policy {
	return []Policy{
		essentialHoldsPolicy(),
		releasePathPolicy(),
		forcedThirdPartyPolicy(),
	}
}

// essentialHoldsPolicy blocks the upgrade when packaging tooling itself
// is pinned. A hold on apt or dpkg makes the full upgrade impossible to
// complete.
func essentialHoldsPolicy() Policy {
	return Policy{
		Name:        "essential-holds",
		Description: "Blocks the upgrade when apt, dpkg, libc6 or the archive keyring is on hold",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"holds", "safety"},
		LoadedAt:    time.Now(),
		Rego: `package aptshift.policies.holds

import rego.v1

essential := {"apt", "dpkg", "libc6", "debian-archive-keyring"}

deny contains violation if {
	some pkg in input.holds
	essential[pkg]
	violation := {
		"message": sprintf("package %s is on hold and must move during the upgrade", [pkg]),
		"severity": "error",
	}
}`,
	}
}

// releasePathPolicy guards against a release map whose source and
// target collapsed into the same codename.
func releasePathPolicy() Policy {
	return Policy{
		Name:        "release-path",
		Description: "Blocks the upgrade when source and target release are identical",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"releases"},
		LoadedAt:    time.Now(),
		Rego: `package aptshift.policies.releases

import rego.v1

deny contains violation if {
	input.source_release == input.target_release
	violation := {
		"message": sprintf("source and target release are both %s", [input.source_release]),
		"severity": "error",
	}
}`,
	}
}

// forcedThirdPartyPolicy warns when the confirmation pause is skipped
// on a host that carries third-party sources. Those sources are left
// untouched and may break after the release moves.
func forcedThirdPartyPolicy() Policy {
	return Policy{
		Name:        "forced-third-party",
		Description: "Warns when --force skips the pause while third-party sources are present",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"sources"},
		LoadedAt:    time.Now(),
		Rego: `package aptshift.policies.thirdparty

import rego.v1

deny contains violation if {
	input.force
	count(input.third_party_files) > 0
	violation := {
		"message": sprintf("%d third-party source file(s) will not follow the release change", [count(input.third_party_files)]),
		"severity": "warning",
	}
}`,
	}
}
