// Package sources discovers apt source definitions, classifies them as
// distribution-operated or third-party, and retargets distribution entries
// at the next release. Third-party files are never modified; every modified
// file gets a backup sibling registered for rollback.
package sources

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/aptshift/aptshift/pkg/release"
	"github.com/aptshift/aptshift/pkg/rollback"
	"github.com/aptshift/aptshift/pkg/telemetry"
)

// Format distinguishes the two apt source file formats.
type Format int

const (
	// FormatOneLine is the classic sources.list format.
	FormatOneLine Format = iota
	// FormatDeb822 is the stanza-based .sources format.
	FormatDeb822
)

// Locations names where apt reads source definitions.
type Locations struct {
	MainFile string
	PartsDir string
}

// DefaultLocations returns the standard apt paths.
func DefaultLocations() Locations {
	return Locations{
		MainFile: "/etc/apt/sources.list",
		PartsDir: "/etc/apt/sources.list.d",
	}
}

// SourceFile is one discovered source file with its enabled entries.
type SourceFile struct {
	Path    string
	Format  Format
	URIs    []string
	Suites  []string
	Content string
}

// Report summarizes a rewrite pass.
type Report struct {
	// Rewritten lists distribution files whose suites were retargeted.
	Rewritten []string
	// AlreadyTarget lists distribution files already on the target release.
	AlreadyTarget []string
	// ThirdParty lists files left untouched because at least one entry
	// points outside the distribution.
	ThirdParty []string
	// Skipped lists files with no enabled entries or no relevant suites.
	Skipped []string
	// SuitesMoved counts individual suite tokens retargeted.
	SuitesMoved int
	// DryRun records that nothing was written.
	DryRun bool
}

// Rewriter retargets distribution source files at the target release.
type Rewriter struct {
	logger *telemetry.Logger
	relmap *release.Map
	loc    Locations
	dryRun bool
}

// NewRewriter creates a rewriter. With dryRun set, Rewrite reports what it
// would change without touching any file.
func NewRewriter(logger *telemetry.Logger, relmap *release.Map, loc Locations, dryRun bool) *Rewriter {
	return &Rewriter{
		logger: logger.NewComponentLogger("sources"),
		relmap: relmap,
		loc:    loc,
		dryRun: dryRun,
	}
}

// Discover reads every apt source file: the main sources.list plus *.list
// and *.sources under the parts directory, sorted by path.
func (rw *Rewriter) Discover() ([]*SourceFile, error) {
	var paths []string
	if _, err := os.Stat(rw.loc.MainFile); err == nil {
		paths = append(paths, rw.loc.MainFile)
	}

	entries, err := os.ReadDir(rw.loc.PartsDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", rw.loc.PartsDir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext == ".list" || ext == ".sources" {
			paths = append(paths, filepath.Join(rw.loc.PartsDir, entry.Name()))
		}
	}
	sort.Strings(paths)

	files := make([]*SourceFile, 0, len(paths))
	for _, path := range paths {
		sf, err := rw.readFile(path)
		if err != nil {
			return nil, err
		}
		files = append(files, sf)
	}
	return files, nil
}

func (rw *Rewriter) readFile(path string) (*SourceFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	sf := &SourceFile{Path: path, Content: string(data)}

	if filepath.Ext(path) == ".sources" {
		sf.Format = FormatDeb822
		for _, stanza := range splitStanzas(strings.Split(sf.Content, "\n")) {
			st := parseStanza(stanza)
			if st == nil || !st.enabled {
				continue
			}
			sf.URIs = append(sf.URIs, st.uris...)
			sf.Suites = append(sf.Suites, st.suites...)
		}
		return sf, nil
	}

	sf.Format = FormatOneLine
	for _, line := range strings.Split(sf.Content, "\n") {
		if entry, ok := parseOneLineEntry(line); ok {
			sf.URIs = append(sf.URIs, entry.uri.text)
			sf.Suites = append(sf.Suites, entry.suite.text)
		}
	}
	return sf, nil
}

// CleanStaleBackups removes backup siblings left behind by a previous run
// that was killed before its rollback registry could drain. Restoring one
// of those later would resurrect sources from an older generation.
func (rw *Rewriter) CleanStaleBackups() ([]string, error) {
	patterns := []string{
		rw.loc.MainFile + ".bak.*",
		filepath.Join(rw.loc.PartsDir, "*.bak.*"),
	}
	var removed []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return removed, fmt.Errorf("bad backup pattern %s: %w", pattern, err)
		}
		for _, match := range matches {
			if rw.dryRun {
				rw.logger.Infof("dry-run: would remove stale backup %s", match)
				continue
			}
			if err := os.Remove(match); err != nil {
				return removed, fmt.Errorf("failed to remove stale backup %s: %w", match, err)
			}
			rw.logger.Warnf("removed stale backup %s", match)
			removed = append(removed, match)
		}
	}
	return removed, nil
}

// Rewrite retargets every distribution-operated source file at the target
// release. Each modified file gets a .bak.<id> sibling registered with reg
// before the original is replaced atomically. It is an error when no
// distribution file references either release: the machine has nothing to
// upgrade from.
func (rw *Rewriter) Rewrite(reg *rollback.Registry) (*Report, error) {
	files, err := rw.Discover()
	if err != nil {
		return nil, err
	}

	report := &Report{DryRun: rw.dryRun}
	for _, sf := range files {
		if len(sf.URIs) == 0 {
			rw.logger.Debugf("%s has no enabled entries", sf.Path)
			report.Skipped = append(report.Skipped, sf.Path)
			continue
		}
		if !rw.AllDistribution(sf.URIs) {
			rw.logger.Infof("leaving third-party file %s untouched", sf.Path)
			report.ThirdParty = append(report.ThirdParty, sf.Path)
			continue
		}

		newContent, moved := rw.rewriteContent(sf)
		if moved == 0 {
			if rw.referencesTarget(sf.Suites) {
				rw.logger.Infof("%s already references %s", sf.Path, rw.relmap.Upgrade.Target.Codename)
				report.AlreadyTarget = append(report.AlreadyTarget, sf.Path)
			} else {
				rw.logger.Debugf("%s has no suites to retarget", sf.Path)
				report.Skipped = append(report.Skipped, sf.Path)
			}
			continue
		}

		if rw.dryRun {
			rw.logger.Infof("dry-run: would retarget %d suite(s) in %s", moved, sf.Path)
			report.Rewritten = append(report.Rewritten, sf.Path)
			report.SuitesMoved += moved
			continue
		}

		backup := sf.Path + ".bak." + uuid.NewString()
		if err := copyPreserving(sf.Path, backup); err != nil {
			return report, fmt.Errorf("failed to back up %s: %w", sf.Path, err)
		}
		reg.RegisterModifiedFile(sf.Path, backup)

		if err := writeAtomic(sf.Path, []byte(newContent)); err != nil {
			return report, fmt.Errorf("failed to rewrite %s: %w", sf.Path, err)
		}
		rw.logger.Infof("retargeted %d suite(s) in %s", moved, sf.Path)
		report.Rewritten = append(report.Rewritten, sf.Path)
		report.SuitesMoved += moved
	}

	if len(report.Rewritten) == 0 && len(report.AlreadyTarget) == 0 {
		return report, fmt.Errorf("no distribution source references %s or %s",
			rw.relmap.Upgrade.Source.Codename, rw.relmap.Upgrade.Target.Codename)
	}
	return report, nil
}

func (rw *Rewriter) rewriteContent(sf *SourceFile) (string, int) {
	if sf.Format == FormatDeb822 {
		return rewriteDeb822(sf.Content, rw.mapSuite)
	}
	return rewriteOneLine(sf.Content, rw.mapSuite)
}

// mapSuite retargets a suite belonging to the source release, carrying any
// suffix (-security, -updates, -backports) over to the target codename.
func (rw *Rewriter) mapSuite(suite string) (string, bool) {
	src := rw.relmap.Upgrade.Source.Codename
	dst := rw.relmap.Upgrade.Target.Codename
	if suite == src {
		return dst, true
	}
	if rest, ok := strings.CutPrefix(suite, src+"-"); ok {
		return dst + "-" + rest, true
	}
	return "", false
}

func (rw *Rewriter) referencesTarget(suites []string) bool {
	dst := rw.relmap.Upgrade.Target.Codename
	for _, suite := range suites {
		if suite == dst || strings.HasPrefix(suite, dst+"-") {
			return true
		}
	}
	return false
}

// AllDistribution reports whether every URI points at distribution-operated
// infrastructure.
func (rw *Rewriter) AllDistribution(uris []string) bool {
	for _, uri := range uris {
		if !rw.isDistributionURI(uri) {
			return false
		}
	}
	return true
}

func (rw *Rewriter) isDistributionURI(uri string) bool {
	for _, prefix := range rw.relmap.Distribution.MirrorIndirection {
		if strings.HasPrefix(uri, prefix) {
			return true
		}
	}
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "" {
		// file: and cdrom: sources are local media curated by the
		// administrator.
		return u.Scheme == "file" || u.Scheme == "cdrom"
	}
	for _, origin := range rw.relmap.Distribution.Origins {
		if host == origin || strings.HasSuffix(host, "."+origin) {
			return true
		}
	}
	return false
}

func copyPreserving(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, info.Mode().Perm())
}

func writeAtomic(path string, data []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
