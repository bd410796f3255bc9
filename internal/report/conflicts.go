package report

import (
	"cmp"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
	"git.home.luguber.info/inful/licensetool/internal/manifest"
)

// Verdict is the compatibility of a dependency license with the project
// license.
type Verdict string

const (
	Compatible   Verdict = "compatible"
	Incompatible Verdict = "incompatible"
	// Review means compatibility depends on how the dependency is linked or
	// distributed.
	Review  Verdict = "review"
	Unknown Verdict = "unknown"
)

func (v Verdict) rank() int {
	switch v {
	case Incompatible:
		return 0
	case Review:
		return 1
	case Unknown:
		return 2
	default:
		return 3
	}
}

type family int

const (
	familyUnknown family = iota
	familyPermissive
	familyWeakCopyleft
	familyCopyleft
	familyNetworkCopyleft
	familyProprietary
)

var families = map[string]family{
	"0bsd": familyPermissive, "apache-1.1": familyPermissive, "apache-2.0": familyPermissive,
	"bsd-2-clause": familyPermissive, "bsd-3-clause": familyPermissive, "cc0-1.0": familyPermissive,
	"isc": familyPermissive, "mit": familyPermissive, "mit-0": familyPermissive,
	"unlicense": familyPermissive, "zlib": familyPermissive, "bsl-1.0": familyPermissive,
	"edl-1.0": familyPermissive, "postgresql": familyPermissive, "w3c": familyPermissive,

	"lgpl-2.1": familyWeakCopyleft, "lgpl-2.1-only": familyWeakCopyleft, "lgpl-2.1-or-later": familyWeakCopyleft,
	"lgpl-3.0": familyWeakCopyleft, "lgpl-3.0-only": familyWeakCopyleft, "lgpl-3.0-or-later": familyWeakCopyleft,
	"mpl-1.1": familyWeakCopyleft, "mpl-2.0": familyWeakCopyleft, "epl-1.0": familyWeakCopyleft,
	"epl-2.0": familyWeakCopyleft, "cddl-1.0": familyWeakCopyleft, "cddl-1.1": familyWeakCopyleft,
	"cpl-1.0": familyWeakCopyleft,

	"gpl-2.0": familyCopyleft, "gpl-2.0-only": familyCopyleft, "gpl-2.0-or-later": familyCopyleft,
	"gpl-2.0-with-classpath-exception": familyWeakCopyleft,
	"gpl-3.0": familyCopyleft, "gpl-3.0-only": familyCopyleft, "gpl-3.0-or-later": familyCopyleft,

	"agpl-3.0": familyNetworkCopyleft, "agpl-3.0-only": familyNetworkCopyleft, "agpl-3.0-or-later": familyNetworkCopyleft,
	"sspl-1.0": familyNetworkCopyleft,

	"proprietary": familyProprietary,
}

// familyRules is indexed by project family, then dependency family.
var familyRules = map[family]map[family]Verdict{
	familyPermissive: {
		familyPermissive: Compatible, familyWeakCopyleft: Review,
		familyCopyleft: Incompatible, familyNetworkCopyleft: Incompatible,
	},
	familyProprietary: {
		familyPermissive: Compatible, familyWeakCopyleft: Review,
		familyCopyleft: Incompatible, familyNetworkCopyleft: Incompatible,
	},
	familyWeakCopyleft: {
		familyPermissive: Compatible, familyWeakCopyleft: Review,
		familyCopyleft: Incompatible, familyNetworkCopyleft: Incompatible,
	},
	familyCopyleft: {
		familyPermissive: Compatible, familyWeakCopyleft: Compatible,
		familyCopyleft: Review, familyNetworkCopyleft: Review,
	},
	familyNetworkCopyleft: {
		familyPermissive: Compatible, familyWeakCopyleft: Compatible,
		familyCopyleft: Review, familyNetworkCopyleft: Compatible,
	},
}

// Matrix answers whether a dependency license may be used by a project
// license. Explicit entries win over the built-in family rules.
type Matrix struct {
	entries map[string]map[string]Verdict
}

// DefaultMatrix returns a matrix with no explicit entries.
func DefaultMatrix() *Matrix {
	return &Matrix{entries: map[string]map[string]Verdict{}}
}

// Verdict returns the compatibility of dep with project.
func (m *Matrix) Verdict(project, dep string) Verdict {
	p, d := NormalizeLicense(project), NormalizeLicense(dep)
	if p == "" || d == "" {
		return Unknown
	}
	if m != nil {
		if v, ok := m.entries[p][d]; ok {
			return v
		}
	}
	if p == d {
		return Compatible
	}
	rules, ok := familyRules[families[p]]
	if !ok {
		return Unknown
	}
	if v, ok := rules[families[d]]; ok {
		return v
	}
	return Unknown
}

// LoadMatrix reads a compatibility matrix from a CSV file. The header row
// lists dependency licenses after one leading cell; every further row starts
// with a project license followed by one cell per header column. Cells read
// Yes or Same, No, Dep. or Check dependency, and ? for unknown.
func LoadMatrix(path string) (*Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "failed to open license matrix").
			WithContext(ferrors.ContextPath, path).
			Build()
	}
	defer func() { _ = f.Close() }()

	m, err := ParseMatrix(f)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "invalid license matrix").
			WithContext(ferrors.ContextPath, path).
			Build()
	}
	return m, nil
}

// ParseMatrix reads the CSV layout described on LoadMatrix.
func ParseMatrix(r io.Reader) (*Matrix, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 || len(records[0]) < 2 {
		return nil, fmt.Errorf("matrix has no header row")
	}
	header := records[0]
	m := DefaultMatrix()
	for i, row := range records[1:] {
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		if len(row) > len(header) {
			return nil, fmt.Errorf("row %d has %d cells, header has %d", i+2, len(row), len(header))
		}
		project := NormalizeLicense(row[0])
		if m.entries[project] == nil {
			m.entries[project] = map[string]Verdict{}
		}
		for j := 1; j < len(row); j++ {
			dep := NormalizeLicense(header[j])
			if dep == "" {
				continue
			}
			m.entries[project][dep] = parseVerdict(row[j])
		}
	}
	return m, nil
}

func parseVerdict(cell string) Verdict {
	switch strings.ToLower(strings.TrimSpace(cell)) {
	case "yes", "same":
		return Compatible
	case "no":
		return Incompatible
	case "dep.", "dep", "check dependency":
		return Review
	default:
		return Unknown
	}
}

// NormalizeLicense maps an SPDX id or a common license name to a lower-case
// SPDX id. Unrecognised names are lower-cased and returned as is.
func NormalizeLicense(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if _, ok := families[s]; ok {
		return s
	}
	has := func(parts ...string) bool {
		for _, p := range parts {
			if !strings.Contains(s, p) {
				return false
			}
		}
		return true
	}
	switch {
	case has("apache", "2"):
		return "apache-2.0"
	case has("affero"):
		return "agpl-3.0"
	case has("lesser", "2.1"), has("lgpl", "2.1"):
		return "lgpl-2.1"
	case has("lesser"), has("lgpl"):
		return "lgpl-3.0"
	case has("classpath"):
		return "gpl-2.0-with-classpath-exception"
	case has("general public", "2"), has("gpl", "2"):
		return "gpl-2.0"
	case has("general public"), has("gpl"):
		return "gpl-3.0"
	case has("mozilla", "2"):
		return "mpl-2.0"
	case has("eclipse public", "2"):
		return "epl-2.0"
	case has("eclipse public"):
		return "epl-1.0"
	case has("eclipse distribution"):
		return "edl-1.0"
	case has("cddl"), has("common development and distribution"):
		return "cddl-1.1"
	case has("bsd", "2"), has("simplified bsd"):
		return "bsd-2-clause"
	case has("bsd"):
		return "bsd-3-clause"
	case has("mit"):
		return "mit"
	}
	return s
}

// Conflict is an added component whose license may not be usable by the
// project.
type Conflict struct {
	Component manifest.Component
	License   string
	Verdict   Verdict
	Reason    string
}

// Conflicts checks every license of the added components against the
// project license and returns the ones that are not compatible, most severe
// first. A nil matrix uses the built-in rules; an empty project license
// yields no conflicts.
func Conflicts(m *Matrix, projectLicense string, added []manifest.Component) []Conflict {
	if strings.TrimSpace(projectLicense) == "" {
		return nil
	}
	if m == nil {
		m = DefaultMatrix()
	}
	var out []Conflict
	for _, c := range added {
		if len(c.Licenses) == 0 {
			out = append(out, Conflict{
				Component: c,
				License:   unknownLicense,
				Verdict:   Unknown,
				Reason:    "component declares no license",
			})
			continue
		}
		for _, l := range c.Licenses {
			label := l.Label()
			v := m.Verdict(projectLicense, label)
			if v == Compatible {
				continue
			}
			out = append(out, Conflict{Component: c, License: label, Verdict: v, Reason: reason(v, projectLicense, label)})
		}
	}
	slices.SortStableFunc(out, func(a, b Conflict) int {
		if c := cmp.Compare(a.Verdict.rank(), b.Verdict.rank()); c != 0 {
			return c
		}
		return strings.Compare(a.Component.Key(), b.Component.Key())
	})
	return out
}

func reason(v Verdict, project, dep string) string {
	switch v {
	case Incompatible:
		return fmt.Sprintf("%s is not compatible with %s", dep, project)
	case Review:
		return fmt.Sprintf("use of %s under %s depends on linking and distribution", dep, project)
	default:
		return fmt.Sprintf("no known relationship between %s and %s", dep, project)
	}
}
