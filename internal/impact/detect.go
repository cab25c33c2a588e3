package impact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const excerptLen = 200

// preamble keys text that precedes the first header.
const preamble = ""

// Hash returns the hex SHA-256 of content.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// DetectChange compares two snapshots of artifact. Identical content
// returns nil. Added or deleted sections make the change HIGH impact; edits
// confined to existing sections, or to a document without headers, are
// MEDIUM.
func DetectChange(projectID, artifact, oldContent, newContent string) *ArtifactChange {
	return detectChange(projectID, artifact, oldContent, newContent, time.Now().UTC())
}

func detectChange(projectID, artifact, oldContent, newContent string, now time.Time) *ArtifactChange {
	oldHash, newHash := Hash(oldContent), Hash(newContent)
	if oldHash == newHash {
		return nil
	}

	sections := diffSections(parseSections(oldContent), parseSections(newContent))
	level := LevelMedium
	for _, s := range sections {
		if s.ChangeType == ChangeAdded || s.ChangeType == ChangeDeleted {
			level = LevelHigh
			break
		}
	}

	return &ArtifactChange{
		ProjectID:       projectID,
		ArtifactName:    artifact,
		OldHash:         oldHash,
		NewHash:         newHash,
		HasChanges:      true,
		ImpactLevel:     level,
		ChangedSections: sections,
		Timestamp:       now,
	}
}

type section struct {
	key    string
	header string
	body   string
	line   int
}

// parseSections splits markdown into header-delimited sections. Repeated
// headers get an ordinal suffix so each key is unique.
func parseSections(content string) []section {
	var (
		out   []section
		cur   = section{key: preamble, line: 1}
		body  strings.Builder
		count = make(map[string]int)
	)
	flush := func() {
		cur.body = strings.TrimSpace(body.String())
		if cur.key != preamble || cur.body != "" {
			out = append(out, cur)
		}
		body.Reset()
	}

	inFence := false
	for i, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
		}
		if !inFence && isHeader(trimmed) {
			flush()
			header := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			count[header]++
			key := header
			if n := count[header]; n > 1 {
				key = fmt.Sprintf("%s (%d)", header, n)
			}
			cur = section{key: key, header: header, line: i + 1}
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	flush()
	return out
}

// SectionBodies maps each markdown header in content to the body beneath
// it. A repeated header keeps its first body; text before the first header
// is keyed "".
func SectionBodies(content string) map[string]string {
	out := make(map[string]string)
	for _, sec := range parseSections(content) {
		if _, ok := out[sec.header]; !ok {
			out[sec.header] = sec.body
		}
	}
	return out
}

func isHeader(line string) bool {
	n := 0
	for n < len(line) && line[n] == '#' {
		n++
	}
	return n > 0 && n <= 6 && n < len(line) && line[n] == ' '
}

func diffSections(oldSecs, newSecs []section) []ChangedSection {
	oldByKey := make(map[string]section, len(oldSecs))
	for _, s := range oldSecs {
		oldByKey[s.key] = s
	}
	newKeys := make(map[string]bool, len(newSecs))

	var out []ChangedSection
	for _, ns := range newSecs {
		newKeys[ns.key] = true
		os, existed := oldByKey[ns.key]
		switch {
		case ns.key == preamble:
			// Text above the first header never adds or removes structure.
			if !existed || os.body != ns.body {
				out = append(out, ChangedSection{
					Header: "(preamble)", ChangeType: ChangeModified,
					OldContent: excerpt(os.body), NewContent: excerpt(ns.body), Line: ns.line,
				})
			}
		case !existed:
			out = append(out, ChangedSection{
				Header: ns.header, ChangeType: ChangeAdded,
				NewContent: excerpt(ns.body), Line: ns.line,
			})
		case os.body != ns.body:
			out = append(out, ChangedSection{
				Header: ns.header, ChangeType: ChangeModified,
				OldContent: excerpt(os.body), NewContent: excerpt(ns.body), Line: ns.line,
			})
		}
	}
	for _, os := range oldSecs {
		if newKeys[os.key] {
			continue
		}
		if os.key == preamble {
			out = append(out, ChangedSection{
				Header: "(preamble)", ChangeType: ChangeModified,
				OldContent: excerpt(os.body), Line: os.line,
			})
			continue
		}
		out = append(out, ChangedSection{
			Header: os.header, ChangeType: ChangeDeleted,
			OldContent: excerpt(os.body), Line: os.line,
		})
	}
	return out
}

func excerpt(s string) string {
	if len(s) <= excerptLen {
		return s
	}
	cut := excerptLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
