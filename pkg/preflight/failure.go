package preflight

import "fmt"

// FailureKind says which gate a machine failed so the caller can map it to
// the right exit code.
type FailureKind string

const (
	// FailPrivilege: not running as root.
	FailPrivilege FailureKind = "privilege"
	// FailCommands: required executables are missing.
	FailCommands FailureKind = "commands"
	// FailWrongRelease: the machine runs neither the source nor the
	// target release.
	FailWrongRelease FailureKind = "wrong-release"
	// FailAlreadyTarget: the machine already runs the target release.
	FailAlreadyTarget FailureKind = "already-target"
	// FailConsistency: the package database is in a broken state.
	FailConsistency FailureKind = "consistency"
	// FailDisk: not enough free disk space.
	FailDisk FailureKind = "disk"
	// FailRebootRequired: a pending reboot from an earlier update.
	FailRebootRequired FailureKind = "reboot-required"
	// FailNetwork: DNS or HTTPS reachability of the archive failed.
	FailNetwork FailureKind = "network"
	// FailPolicy: an operator policy denied the upgrade.
	FailPolicy FailureKind = "policy"
)

// Failure is a fatal preflight result.
type Failure struct {
	Kind   FailureKind
	Check  string
	Detail string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("preflight %s: %s", f.Check, f.Detail)
}

func newFailure(kind FailureKind, check, format string, args ...interface{}) *Failure {
	return &Failure{Kind: kind, Check: check, Detail: fmt.Sprintf(format, args...)}
}
