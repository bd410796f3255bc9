package manifest

import (
	"encoding/xml"
	"io"
	"os"
	"sort"
	"strings"

	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
)

// License is one license entry of a component.
type License struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Label returns the SPDX id when present, the name otherwise.
func (l License) Label() string {
	if l.ID != "" {
		return l.ID
	}
	return l.Name
}

// Component is a dependency listed in a manifest.
type Component struct {
	Group    string    `json:"group"`
	Name     string    `json:"name"`
	Version  string    `json:"version"`
	Licenses []License `json:"licenses,omitempty"`
}

// Key identifies a component as group:name:version, followed by the
// comma-joined license labels when there are any. A license change therefore
// shows up as a removal plus an addition.
func (c Component) Key() string {
	k := c.Group + ":" + c.Name + ":" + c.Version
	if len(c.Licenses) == 0 {
		return k
	}
	labels := make([]string, 0, len(c.Licenses))
	for _, l := range c.Licenses {
		labels = append(labels, l.Label())
	}
	return k + ":" + strings.Join(labels, ",")
}

// BOM is the subset of a CycloneDX document licensetool reads.
type BOM struct {
	Components []Component
}

type xmlBOM struct {
	XMLName    xml.Name       `xml:"bom"`
	Components []xmlComponent `xml:"components>component"`
}

type xmlComponent struct {
	Group      string         `xml:"group"`
	Name       string         `xml:"name"`
	Version    string         `xml:"version"`
	Licenses   []xmlLicense   `xml:"licenses>license"`
	Expression string         `xml:"licenses>expression"`
	Nested     []xmlComponent `xml:"components>component"`
}

type xmlLicense struct {
	ID   string `xml:"id"`
	Name string `xml:"name"`
	URL  string `xml:"url"`
}

// ParseBOM decodes the dependency components of a CycloneDX XML document.
// The metadata component (the project itself) is not a dependency and is
// not included.
func ParseBOM(r io.Reader) (*BOM, error) {
	var doc xmlBOM
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryArtifact, "cannot parse CycloneDX manifest").Build()
	}
	bom := &BOM{}
	var walk func([]xmlComponent)
	walk = func(list []xmlComponent) {
		for _, xc := range list {
			bom.Components = append(bom.Components, xc.component())
			walk(xc.Nested)
		}
	}
	walk(doc.Components)
	return bom, nil
}

func (xc xmlComponent) component() Component {
	c := Component{
		Group:   strings.TrimSpace(xc.Group),
		Name:    strings.TrimSpace(xc.Name),
		Version: strings.TrimSpace(xc.Version),
	}
	for _, l := range xc.Licenses {
		c.Licenses = append(c.Licenses, License{
			ID:   strings.TrimSpace(l.ID),
			Name: strings.TrimSpace(l.Name),
			URL:  strings.TrimSpace(l.URL),
		})
	}
	if expr := strings.TrimSpace(xc.Expression); expr != "" {
		c.Licenses = append(c.Licenses, License{Name: expr})
	}
	return c
}

// ReadBOM parses the manifest file at path.
func ReadBOM(path string) (*BOM, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryFileSystem, "cannot open manifest").
			WithContext(ferrors.ContextPath, path).
			Build()
	}
	defer func() { _ = f.Close() }()
	return ParseBOM(f)
}

// Change lists the components added and removed between two manifests.
type Change struct {
	Added   []Component `json:"addedComponents"`
	Removed []Component `json:"removedComponents"`
}

// Empty reports whether nothing changed.
func (c *Change) Empty() bool {
	return c == nil || (len(c.Added) == 0 && len(c.Removed) == 0)
}

// Diff compares prev to curr by component key. A nil prev means every
// current component is new.
func Diff(prev, curr *BOM) *Change {
	prevIdx := index(prev)
	currIdx := index(curr)

	change := &Change{Added: []Component{}, Removed: []Component{}}
	for k, c := range currIdx {
		if _, ok := prevIdx[k]; !ok {
			change.Added = append(change.Added, c)
		}
	}
	for k, c := range prevIdx {
		if _, ok := currIdx[k]; !ok {
			change.Removed = append(change.Removed, c)
		}
	}
	sortComponents(change.Added)
	sortComponents(change.Removed)
	return change
}

func index(b *BOM) map[string]Component {
	idx := make(map[string]Component)
	if b == nil {
		return idx
	}
	for _, c := range b.Components {
		idx[c.Key()] = c
	}
	return idx
}

func sortComponents(cs []Component) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Key() < cs[j].Key() })
}
