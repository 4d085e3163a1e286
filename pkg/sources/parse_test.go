package sources

import (
	"strings"
	"testing"
)

func bookwormToTrixie(suite string) (string, bool) {
	if suite == "bookworm" {
		return "trixie", true
	}
	if rest, ok := strings.CutPrefix(suite, "bookworm-"); ok {
		return "trixie-" + rest, true
	}
	return "", false
}

func TestParseOneLineEntry(t *testing.T) {
	tests := []struct {
		line      string
		wantOK    bool
		wantURI   string
		wantSuite string
	}{
		{"deb http://deb.debian.org/debian bookworm main", true, "http://deb.debian.org/debian", "bookworm"},
		{"deb-src http://deb.debian.org/debian bookworm main contrib", true, "http://deb.debian.org/debian", "bookworm"},
		{"deb [arch=amd64] https://deb.debian.org/debian bookworm-updates main", true, "https://deb.debian.org/debian", "bookworm-updates"},
		{"deb [arch=amd64 signed-by=/usr/share/keyrings/k.gpg] https://pkg.example.com/apt stable main", true, "https://pkg.example.com/apt", "stable"},
		{"  deb http://security.debian.org/debian-security bookworm-security main", true, "http://security.debian.org/debian-security", "bookworm-security"},
		{"# deb http://deb.debian.org/debian bookworm main", false, "", ""},
		{"", false, "", ""},
		{"   ", false, "", ""},
		{"deb http://deb.debian.org/debian", false, "", ""},
		{"Types: deb", false, "", ""},
	}

	for _, tt := range tests {
		entry, ok := parseOneLineEntry(tt.line)
		if ok != tt.wantOK {
			t.Errorf("parseOneLineEntry(%q) ok = %v, want %v", tt.line, ok, tt.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if entry.uri.text != tt.wantURI {
			t.Errorf("parseOneLineEntry(%q) uri = %q, want %q", tt.line, entry.uri.text, tt.wantURI)
		}
		if entry.suite.text != tt.wantSuite {
			t.Errorf("parseOneLineEntry(%q) suite = %q, want %q", tt.line, entry.suite.text, tt.wantSuite)
		}
	}
}

func TestRewriteOneLinePreservesLayout(t *testing.T) {
	content := "# our mirror\n" +
		"deb\thttp://deb.debian.org/debian \t bookworm main contrib\n" +
		"deb http://security.debian.org/debian-security bookworm-security main # security\n" +
		"\n" +
		"deb http://deb.debian.org/debian bookworm-updates main\n"

	got, moved := rewriteOneLine(content, bookwormToTrixie)
	want := "# our mirror\n" +
		"deb\thttp://deb.debian.org/debian \t trixie main contrib\n" +
		"deb http://security.debian.org/debian-security trixie-security main # security\n" +
		"\n" +
		"deb http://deb.debian.org/debian trixie-updates main\n"

	if got != want {
		t.Errorf("rewriteOneLine() =\n%q\nwant\n%q", got, want)
	}
	if moved != 3 {
		t.Errorf("moved = %d, want 3", moved)
	}
}

func TestRewriteOneLineLeavesForeignSuites(t *testing.T) {
	content := "deb https://pkg.example.com/apt stable main\n"
	got, moved := rewriteOneLine(content, bookwormToTrixie)
	if got != content {
		t.Errorf("content changed: %q", got)
	}
	if moved != 0 {
		t.Errorf("moved = %d, want 0", moved)
	}
}

func TestRewriteOneLineDoesNotTouchURIs(t *testing.T) {
	// A path component that happens to contain the codename must survive.
	content := "deb https://deb.debian.org/bookworm-archive bookworm main\n"
	got, moved := rewriteOneLine(content, bookwormToTrixie)
	if moved != 1 {
		t.Fatalf("moved = %d, want 1", moved)
	}
	if !strings.Contains(got, "bookworm-archive") {
		t.Errorf("URI was rewritten: %q", got)
	}
	if !strings.Contains(got, " trixie main") {
		t.Errorf("suite was not rewritten: %q", got)
	}
}

func TestRewriteDeb822(t *testing.T) {
	content := `# main archive
Types: deb
URIs: https://deb.debian.org/debian
Suites: bookworm bookworm-updates
Components: main contrib
Signed-By: /usr/share/keyrings/debian-archive-keyring.gpg

Types: deb
URIs: https://security.debian.org/debian-security
Suites: bookworm-security
Components: main
`

	got, moved := rewriteDeb822(content, bookwormToTrixie)
	if moved != 3 {
		t.Errorf("moved = %d, want 3", moved)
	}
	if !strings.Contains(got, "Suites: trixie trixie-updates\n") {
		t.Errorf("first stanza not rewritten:\n%s", got)
	}
	if !strings.Contains(got, "Suites: trixie-security\n") {
		t.Errorf("security stanza not rewritten:\n%s", got)
	}
	if !strings.Contains(got, "# main archive\n") {
		t.Errorf("comment lost:\n%s", got)
	}
	if !strings.Contains(got, "Signed-By: /usr/share/keyrings/debian-archive-keyring.gpg\n") {
		t.Errorf("unrelated field touched:\n%s", got)
	}
}

func TestRewriteDeb822SkipsDisabledStanza(t *testing.T) {
	content := `Types: deb
URIs: https://deb.debian.org/debian
Suites: bookworm
Components: main
Enabled: no
`

	got, moved := rewriteDeb822(content, bookwormToTrixie)
	if moved != 0 {
		t.Errorf("moved = %d, want 0", moved)
	}
	if got != content {
		t.Errorf("disabled stanza changed:\n%s", got)
	}
}

func TestParseStanzaContinuationLines(t *testing.T) {
	lines := []string{
		"Types: deb",
		"URIs: https://deb.debian.org/debian",
		"Suites: bookworm",
		" bookworm-updates",
		"Components: main",
	}
	st := parseStanza(lines)
	if st == nil {
		t.Fatal("parseStanza() = nil")
	}
	if len(st.suites) != 2 || st.suites[1] != "bookworm-updates" {
		t.Errorf("suites = %v, want continuation picked up", st.suites)
	}
}

func TestRewriteDeb822ContinuationLine(t *testing.T) {
	content := "Types: deb\nURIs: https://deb.debian.org/debian\nSuites: bookworm\n bookworm-updates\nComponents: main\n"
	got, moved := rewriteDeb822(content, bookwormToTrixie)
	if moved != 2 {
		t.Errorf("moved = %d, want 2", moved)
	}
	if !strings.Contains(got, "Suites: trixie\n trixie-updates\n") {
		t.Errorf("continuation line not rewritten:\n%s", got)
	}
}

func TestSplitStanzasKeepsTrailingBlankWithStanza(t *testing.T) {
	lines := []string{"A: 1", "", "B: 2"}
	stanzas := splitStanzas(lines)
	if len(stanzas) != 2 {
		t.Fatalf("len = %d, want 2", len(stanzas))
	}
	if len(stanzas[0]) != 2 || stanzas[0][1] != "" {
		t.Errorf("first stanza = %v", stanzas[0])
	}
}
