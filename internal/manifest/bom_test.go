package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const bomV1 = `<?xml version="1.0" encoding="UTF-8"?>
<bom xmlns="http://cyclonedx.org/schema/bom/1.5" version="1">
  <metadata>
    <component type="application">
      <group>com.example</group>
      <name>app</name>
      <version>1.0.0</version>
    </component>
  </metadata>
  <components>
    <component type="library">
      <group>org.slf4j</group>
      <name>slf4j-api</name>
      <version>2.0.9</version>
      <licenses>
        <license><id>MIT</id></license>
      </licenses>
    </component>
    <component type="library">
      <group>com.google.guava</group>
      <name>guava</name>
      <version>32.1.2-jre</version>
      <licenses>
        <license><name>Apache License, Version 2.0</name><url>https://www.apache.org/licenses/LICENSE-2.0</url></license>
      </licenses>
    </component>
  </components>
</bom>`

const bomV2 = `<?xml version="1.0" encoding="UTF-8"?>
<bom xmlns="http://cyclonedx.org/schema/bom/1.5" version="1">
  <components>
    <component type="library">
      <group>org.slf4j</group>
      <name>slf4j-api</name>
      <version>2.0.9</version>
      <licenses>
        <license><id>MIT</id></license>
      </licenses>
    </component>
    <component type="library">
      <group>org.json</group>
      <name>json</name>
      <version>20231013</version>
      <licenses>
        <expression>JSON</expression>
      </licenses>
    </component>
  </components>
</bom>`

func TestParseBOM(t *testing.T) {
	bom, err := ParseBOM(strings.NewReader(bomV1))
	require.NoError(t, err)
	require.Len(t, bom.Components, 2, "metadata component is not a dependency")

	require.Equal(t, "org.slf4j:slf4j-api:2.0.9:MIT", bom.Components[0].Key())
	require.Equal(t, "com.google.guava:guava:32.1.2-jre:Apache License, Version 2.0", bom.Components[1].Key())
	require.Equal(t, "https://www.apache.org/licenses/LICENSE-2.0", bom.Components[1].Licenses[0].URL)
}

func TestParseBOM_Malformed(t *testing.T) {
	_, err := ParseBOM(strings.NewReader("<bom><components>"))
	require.Error(t, err)
}

func TestComponentKeyWithoutLicense(t *testing.T) {
	c := Component{Group: "g", Name: "n", Version: "1"}
	require.Equal(t, "g:n:1", c.Key())
}

func TestDiff(t *testing.T) {
	prev, err := ParseBOM(strings.NewReader(bomV1))
	require.NoError(t, err)
	curr, err := ParseBOM(strings.NewReader(bomV2))
	require.NoError(t, err)

	change := Diff(prev, curr)
	require.Len(t, change.Added, 1)
	require.Equal(t, "json", change.Added[0].Name)
	require.Len(t, change.Removed, 1)
	require.Equal(t, "guava", change.Removed[0].Name)

	require.True(t, Diff(curr, curr).Empty())

	all := Diff(nil, curr)
	require.Len(t, all.Added, 2)
	require.Empty(t, all.Removed)
}

func TestRefresh_BacksUpAndDiffs(t *testing.T) {
	project := t.TempDir()
	g := NewGenerator(nil)
	current := g.CanonicalPath(project)
	require.NoError(t, os.MkdirAll(filepath.Dir(current), 0o755))
	require.NoError(t, os.WriteFile(current, []byte(bomV1), 0o644))

	change, err := g.Refresh(t.Context(), project, func(context.Context) (string, error) {
		return current, os.WriteFile(current, []byte(bomV2), 0o644)
	})
	require.NoError(t, err)
	require.Len(t, change.Added, 1)
	require.Len(t, change.Removed, 1)

	prev, err := os.ReadFile(g.PreviousPath(project))
	require.NoError(t, err)
	require.Equal(t, bomV1, string(prev))

	raw, err := os.ReadFile(filepath.Join(g.OutputDir(project), DiffFileName))
	require.NoError(t, err)
	var decoded Change
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "json", decoded.Added[0].Name)
}

func TestRefresh_FirstRunEverythingAdded(t *testing.T) {
	project := t.TempDir()
	g := NewGenerator(nil)
	current := g.CanonicalPath(project)

	change, err := g.Refresh(t.Context(), project, func(context.Context) (string, error) {
		if err := os.MkdirAll(filepath.Dir(current), 0o755); err != nil {
			return "", err
		}
		return current, os.WriteFile(current, []byte(bomV1), 0o644)
	})
	require.NoError(t, err)
	require.Len(t, change.Added, 2)
	require.NoFileExists(t, g.PreviousPath(project))
}

func TestRefresh_GenerationErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewGenerator(nil).Refresh(t.Context(), t.TempDir(), func(context.Context) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)
}
