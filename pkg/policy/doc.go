// Package policy provides Open Policy Agent (OPA) gating for the
// upgrade.
//
// Policies are Rego rule sets whose deny rules run against a single
// input document during preflight, before any system state changes.
// A blocking deny aborts the upgrade; a warning deny is logged and the
// upgrade continues.
//
// # Input Document
//
// Every policy sees the same input:
//
//	{
//	    "source_release":    "bookworm",
//	    "target_release":    "trixie",
//	    "dry_run":           false,
//	    "force":             false,
//	    "holds":             ["linux-image-amd64"],
//	    "third_party_files": ["/etc/apt/sources.list.d/example.list"]
//	}
//
// # Usage
//
// Creating an engine and gating an upgrade:
//
//	engine, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := engine.LoadPaths(ctx, []string{"/etc/aptshift/policies"}); err != nil {
//	    return err
//	}
//
//	denials, err := engine.Evaluate(ctx, input)
//	if err != nil {
//	    return err
//	}
//	if len(denials) > 0 {
//	    // refuse to upgrade
//	}
//
// # Built-in Policies
//
// The following policies ship with the tool:
//
//  1. essential-holds - Blocks when apt, dpkg, libc6 or the archive keyring is on hold
//  2. release-path - Blocks when source and target release are identical
//  3. forced-third-party - Warns when --force skips the pause with third-party sources present
//
// An operator policy loaded with the same name replaces the built-in.
//
// # Operator Policies
//
// Operator policies are .rego files (or full .json policy documents)
// loaded from the paths given to LoadPaths. A deny rule can yield a
// plain string or an object with a message and an optional severity:
//
//	# refuse weekday upgrades
//	package aptshift.policies.window
//
//	import rego.v1
//
//	deny contains violation if {
//	    day := time.weekday(time.now_ns())
//	    not day in {"Saturday", "Sunday"}
//	    violation := {
//	        "message": sprintf("upgrades only run on weekends, today is %s", [day]),
//	        "severity": "error",
//	    }
//	}
//
// Bare .rego files default to error severity, so a deny blocks unless
// the result object lowers it.
//
// # Severity Levels
//
//   - info: logged and ignored
//   - warning: logged, does not block
//   - error: blocks the upgrade
//   - critical: blocks the upgrade
//
// Policies are compiled once with OPA's PreparedEvalQuery and reused
// for every evaluation in the run.
package policy
