package sources

import (
	"strings"
)

// token is a whitespace-delimited field with its byte range in the original
// line, so a rewrite can splice a replacement without disturbing spacing.
type token struct {
	start int
	end   int
	text  string
}

func tokenSpans(s string, offset int) []token {
	var tokens []token
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= len(s) {
			break
		}
		start := i
		for i < len(s) && s[i] != ' ' && s[i] != '\t' {
			i++
		}
		tokens = append(tokens, token{start: offset + start, end: offset + i, text: s[start:i]})
	}
	return tokens
}

// lineEntry is one enabled one-line-format entry.
type lineEntry struct {
	typ   string
	uri   token
	suite token
}

// parseOneLineEntry parses a single sources.list line. It reports false for
// blank lines, comments, and anything that is not a deb or deb-src entry.
func parseOneLineEntry(line string) (*lineEntry, bool) {
	effective := line
	if i := strings.IndexByte(line, '#'); i >= 0 {
		effective = line[:i]
	}
	tokens := tokenSpans(effective, 0)
	if len(tokens) == 0 {
		return nil, false
	}
	if tokens[0].text != "deb" && tokens[0].text != "deb-src" {
		return nil, false
	}

	i := 1
	// Skip an [option=value ...] block, which may span several tokens.
	if i < len(tokens) && strings.HasPrefix(tokens[i].text, "[") {
		for i < len(tokens) && !strings.HasSuffix(tokens[i].text, "]") {
			i++
		}
		i++
	}
	if i+1 >= len(tokens) {
		return nil, false
	}
	return &lineEntry{typ: tokens[0].text, uri: tokens[i], suite: tokens[i+1]}, true
}

// rewriteOneLine applies mapSuite to the suite field of every entry and
// returns the new content with the number of suites moved. Untouched lines
// keep their exact bytes.
func rewriteOneLine(content string, mapSuite func(string) (string, bool)) (string, int) {
	lines := strings.Split(content, "\n")
	moved := 0
	for i, line := range lines {
		entry, ok := parseOneLineEntry(line)
		if !ok {
			continue
		}
		if newSuite, ok := mapSuite(entry.suite.text); ok {
			lines[i] = line[:entry.suite.start] + newSuite + line[entry.suite.end:]
			moved++
		}
	}
	return strings.Join(lines, "\n"), moved
}

// stanza822 is one deb822 stanza with the fields classification needs.
type stanza822 struct {
	types   []string
	uris    []string
	suites  []string
	enabled bool
}

// splitStanzas cuts deb822 content into runs of lines separated by blank
// lines. Each stanza is a subslice of lines, so edits to a stanza land in
// the backing slice.
func splitStanzas(lines []string) [][]string {
	var stanzas [][]string
	start := 0
	inStanza := false
	for i, line := range lines {
		if strings.TrimSpace(line) != "" {
			inStanza = true
			continue
		}
		if inStanza {
			stanzas = append(stanzas, lines[start:i+1])
			inStanza = false
		}
		start = i + 1
	}
	if inStanza {
		stanzas = append(stanzas, lines[start:])
	}
	return stanzas
}

func parseStanza(lines []string) *stanza822 {
	st := &stanza822{enabled: true}
	field := ""
	for _, line := range lines {
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var value string
		if line[0] == ' ' || line[0] == '\t' {
			value = line
		} else {
			key, rest, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			field = strings.ToLower(strings.TrimSpace(key))
			value = rest
		}
		values := strings.Fields(value)
		switch field {
		case "types":
			st.types = append(st.types, values...)
		case "uris":
			st.uris = append(st.uris, values...)
		case "suites":
			st.suites = append(st.suites, values...)
		case "enabled":
			if len(values) == 1 && strings.EqualFold(values[0], "no") {
				st.enabled = false
			}
		}
	}
	if len(st.types) == 0 && len(st.uris) == 0 {
		return nil
	}
	return st
}

// rewriteDeb822 applies mapSuite to the Suites field of every enabled
// stanza, preserving everything else byte for byte.
func rewriteDeb822(content string, mapSuite func(string) (string, bool)) (string, int) {
	lines := strings.Split(content, "\n")
	moved := 0
	for _, stanza := range splitStanzas(lines) {
		st := parseStanza(stanza)
		if st == nil || !st.enabled {
			continue
		}
		field := ""
		for i, line := range stanza {
			if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
				continue
			}
			valueStart := 0
			if line[0] == ' ' || line[0] == '\t' {
				// Continuation of the previous field.
			} else {
				key, _, ok := strings.Cut(line, ":")
				if !ok {
					continue
				}
				field = strings.ToLower(strings.TrimSpace(key))
				valueStart = len(key) + 1
			}
			if field != "suites" {
				continue
			}
			rewritten := line
			for _, tok := range tokenSpansReversed(line[valueStart:], valueStart) {
				if newSuite, ok := mapSuite(tok.text); ok {
					rewritten = rewritten[:tok.start] + newSuite + rewritten[tok.end:]
					moved++
				}
			}
			stanza[i] = rewritten
		}
	}
	// Stanza slices alias the lines slice, so edits are already in place.
	return strings.Join(lines, "\n"), moved
}

// tokenSpansReversed returns tokens last-first so span splicing never
// invalidates the offsets of tokens still to be replaced.
func tokenSpansReversed(s string, offset int) []token {
	tokens := tokenSpans(s, offset)
	for i, j := 0, len(tokens)-1; i < j; i, j = i+1, j-1 {
		tokens[i], tokens[j] = tokens[j], tokens[i]
	}
	return tokens
}
