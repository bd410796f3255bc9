// Package report renders dependency change reports as Markdown and HTML.
package report

import (
	"bytes"
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
	"git.home.luguber.info/inful/licensetool/internal/manifest"
)

const (
	MarkdownFileName = "dependency-report.md"
	HTMLFileName     = "dependency-report.html"

	unknownLicense = "(unknown)"
)

// Report is the input of a rendering.
type Report struct {
	Project     string
	Revision    string
	GeneratedAt time.Time
	Change      *manifest.Change
	// BOM is the current manifest; when set a license summary is included.
	BOM *manifest.BOM
	// ProjectLicense is the license the project is distributed under; when
	// set the added components are checked against it.
	ProjectLicense string
	Conflicts      []Conflict
}

// LicenseCount is the number of components declaring one license.
type LicenseCount struct {
	License string
	Count   int
}

// LicenseSummary counts components per license label, most used first.
// Components without a license count as "(unknown)".
func LicenseSummary(b *manifest.BOM) []LicenseCount {
	if b == nil {
		return nil
	}
	counts := map[string]int{}
	for _, c := range b.Components {
		if len(c.Licenses) == 0 {
			counts[unknownLicense]++
			continue
		}
		for _, l := range c.Licenses {
			counts[l.Label()]++
		}
	}
	out := make([]LicenseCount, 0, len(counts))
	for l, n := range counts {
		out = append(out, LicenseCount{License: l, Count: n})
	}
	slices.SortFunc(out, func(a, b LicenseCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return strings.Compare(a.License, b.License)
	})
	return out
}

// Markdown renders r.
func Markdown(r Report) []byte {
	var b bytes.Buffer
	b.WriteString("# Dependency report\n\n")
	if r.Project != "" {
		fmt.Fprintf(&b, "- Project: `%s`\n", r.Project)
	}
	if r.Revision != "" {
		fmt.Fprintf(&b, "- Revision: `%s`\n", r.Revision)
	}
	if !r.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, "- Generated: %s\n", r.GeneratedAt.UTC().Format(time.RFC3339))
	}
	b.WriteString("\n")

	change := r.Change
	if change == nil {
		change = &manifest.Change{}
	}
	if change.Empty() {
		b.WriteString("No dependency changes.\n")
	} else {
		writeComponents(&b, "Added", change.Added)
		writeComponents(&b, "Removed", change.Removed)
	}

	if r.ProjectLicense != "" {
		writeConflicts(&b, r.ProjectLicense, r.Conflicts)
	}

	if summary := LicenseSummary(r.BOM); len(summary) > 0 {
		fmt.Fprintf(&b, "\n## Licenses (%d components)\n\n", len(r.BOM.Components))
		b.WriteString("| License | Components |\n|---|---|\n")
		for _, lc := range summary {
			fmt.Fprintf(&b, "| %s | %d |\n", cell(lc.License), lc.Count)
		}
	}
	return b.Bytes()
}

func writeComponents(b *bytes.Buffer, title string, cs []manifest.Component) {
	if len(cs) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s (%d)\n\n", title, len(cs))
	b.WriteString("| Group | Name | Version | Licenses |\n|---|---|---|---|\n")
	for _, c := range cs {
		labels := make([]string, 0, len(c.Licenses))
		for _, l := range c.Licenses {
			labels = append(labels, l.Label())
		}
		lic := strings.Join(labels, ", ")
		if lic == "" {
			lic = unknownLicense
		}
		fmt.Fprintf(b, "| %s | %s | %s | %s |\n", cell(c.Group), cell(c.Name), cell(c.Version), cell(lic))
	}
	b.WriteString("\n")
}

func writeConflicts(b *bytes.Buffer, projectLicense string, cs []Conflict) {
	if len(cs) == 0 {
		fmt.Fprintf(b, "\nNo potential license conflicts with `%s`.\n", projectLicense)
		return
	}
	fmt.Fprintf(b, "\n## Potential license conflicts with %s (%d)\n\n", cell(projectLicense), len(cs))
	b.WriteString("| Component | License | Verdict | Reason |\n|---|---|---|---|\n")
	for _, c := range cs {
		fmt.Fprintf(b, "| %s | %s | %s | %s |\n",
			cell(c.Component.Group+":"+c.Component.Name+":"+c.Component.Version),
			cell(c.License), c.Verdict, cell(c.Reason))
	}
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

// HTML converts rendered Markdown to an HTML fragment. Tables use the GFM
// extension.
func HTML(md []byte) ([]byte, error) {
	conv := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var out bytes.Buffer
	if err := conv.Convert(md, &out); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryInternal, "failed to render report").Build()
	}
	return out.Bytes(), nil
}

// Write renders r into dir as Markdown and HTML and returns both paths.
func Write(dir string, r Report) (mdPath, htmlPath string, err error) {
	md := Markdown(r)
	html, err := HTML(md)
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", "", fsError(err, dir)
	}
	mdPath = filepath.Join(dir, MarkdownFileName)
	htmlPath = filepath.Join(dir, HTMLFileName)
	if err := os.WriteFile(mdPath, md, 0o600); err != nil {
		return "", "", fsError(err, mdPath)
	}
	if err := os.WriteFile(htmlPath, html, 0o600); err != nil {
		return "", "", fsError(err, htmlPath)
	}
	return mdPath, htmlPath, nil
}

func fsError(err error, path string) error {
	return ferrors.WrapError(err, ferrors.CategoryFileSystem, "failed to write report").
		WithContext(ferrors.ContextPath, path).
		Build()
}
