// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/loomworks/loom/pkg/core"
)

const completionDivider = "\n\n---\n\n"

// AssembleOutput reconciles the model's final text against the registry.
// It first repairs references that point at the right file through a wrong
// host or scheme, then appends any artifact the text never mentions. The
// operation is idempotent: assembling an already-assembled text changes
// nothing.
func (r *Registry) AssembleOutput(text string) string {
	artifacts := r.Artifacts()
	if len(artifacts) == 0 {
		return text
	}

	for _, a := range artifacts {
		text = repairReferences(text, a)
	}

	var missing []core.Artifact
	for _, a := range artifacts {
		if !mentionsURL(text, a.URL) {
			missing = append(missing, a)
		}
	}
	if len(missing) == 0 {
		return text
	}

	var b strings.Builder
	b.WriteString(text)
	b.WriteString(completionDivider)
	for i, a := range missing {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(render(a))
	}
	return b.String()
}

// repairReferences rewrites markdown links whose target ends in the
// artifact's filename but is not the canonical URL. Models routinely invent
// hosts ("https://fake-cdn.com/...", "sandbox:/mnt/data/...") around the
// real filename; the file only exists at its canonical local path. Image
// artifacts are additionally upgraded to inline image syntax so they render
// instead of downloading.
func repairReferences(text string, a core.Artifact) string {
	if a.Filename == "" {
		return text
	}

	linkRe := regexp.MustCompile(
		`(!?)\[([^\]]*)\]\(\s*([^)\s]*/)?` + regexp.QuoteMeta(a.Filename) + `\s*\)`,
	)
	text = linkRe.ReplaceAllStringFunc(text, func(match string) string {
		groups := linkRe.FindStringSubmatch(match)
		bang, label, prefix := groups[1], groups[2], groups[3]
		target := prefix + a.Filename
		if target != a.URL && strings.HasPrefix(target, "/") {
			// A different local file that merely shares the basename.
			return match
		}
		if a.Type == core.ArtifactImage {
			bang = "!"
		}
		return fmt.Sprintf("%s[%s](%s)", bang, label, a.URL)
	})
	return text
}

// mentionsURL reports whether text contains url as a complete path. A bare
// substring match is not enough: /files/run-1/a.png must not be satisfied by
// a reference to /files/run-1/a.png.bak.
func mentionsURL(text, url string) bool {
	for from := 0; ; {
		idx := strings.Index(text[from:], url)
		if idx < 0 {
			return false
		}
		rest := text[from+idx+len(url):]
		if rest == "" || !isPathByte(rest[0]) {
			return true
		}
		from += idx + 1
	}
}

// isPathByte reports whether c can extend a URL path segment.
func isPathByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '.', '-', '_', '~', '/', '%':
		return true
	}
	return false
}

// render produces the markdown appended for an unreferenced artifact.
func render(a core.Artifact) string {
	label := a.Title
	if label == "" {
		label = a.Filename
	}
	if a.Type == core.ArtifactImage {
		return fmt.Sprintf("![%s](%s)", label, a.URL)
	}
	return fmt.Sprintf("[Download %s](%s)", label, a.URL)
}
