package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleManifest = `
[package]
name = "playground"
edition = "2021"
authors = ["nobody"]

[lib]
crate-type = ["rlib"]

[dependencies]
serde = "1"

[profile.release]
opt-level = 3
`

func TestParsePreservesUnknownFields(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	out, err := m.Serialize()
	require.NoError(t, err)

	m2, err := Parse(out)
	require.NoError(t, err)
	name, err := m2.PackageName()
	require.NoError(t, err)
	assert.Equal(t, "playground", name)
	assert.Equal(t, []any{"rlib"}, m2.doc["lib"].(map[string]any)["crate-type"])
	assert.Equal(t, int64(3), m2.doc["profile"].(map[string]any)["release"].(map[string]any)["opt-level"])
}

func TestSetEditionIdempotent(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	m.SetEdition("2024")
	once, err := m.Serialize()
	require.NoError(t, err)

	m.SetEdition("2024")
	twice, err := m.Serialize()
	require.NoError(t, err)

	assert.Equal(t, once, twice)
}

func TestSetCrateTypeAppendsWithoutDuplicating(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	m.SetCrateType("cdylib")
	assert.Equal(t, []any{"rlib", "cdylib"}, m.table("lib")["crate-type"])

	m.SetCrateType("cdylib")
	assert.Equal(t, []any{"rlib", "cdylib"}, m.table("lib")["crate-type"])
}

func TestSetCrateTypeProcMacroSetsFlagNotArray(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	m.SetCrateType("proc-macro")
	assert.Equal(t, true, m.table("lib")["proc-macro"])
	assert.Equal(t, []any{"rlib"}, m.table("lib")["crate-type"], "crate-type array must be left untouched")

	m.SetCrateType("proc-macro")
	assert.Equal(t, true, m.table("lib")["proc-macro"])
}

func TestRemoveAllDependenciesIdempotent(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	m.RemoveAllDependencies()
	_, ok := m.doc["dependencies"]
	assert.False(t, ok)

	m.RemoveAllDependencies() // no dependencies table left; must not panic
	_, ok = m.doc["dependencies"]
	assert.False(t, ok)
}

func TestSetReleaseLTOCreatesNestedTable(t *testing.T) {
	m, err := Parse([]byte(`[package]
name = "x"
edition = "2021"
`))
	require.NoError(t, err)

	m.SetReleaseLTO(true)
	out, err := m.Serialize()
	require.NoError(t, err)

	m2, err := Parse(out)
	require.NoError(t, err)
	profile, ok := m2.doc["profile"].(map[string]any)
	require.True(t, ok, "profile table must be a real nested table, not a literal dotted key")
	release, ok := profile["release"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, release["lto"])
}

func TestEnableFeatureDoesNotDuplicate(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	m.EnableFeature("fast-path")
	m.table("features")["fast-path"] = []any{"extra"}
	m.EnableFeature("fast-path") // already declared; must not reset it

	assert.Equal(t, []any{"extra"}, m.table("features")["fast-path"])
}

func TestPackageNameMissingTable(t *testing.T) {
	m, err := Parse([]byte("edition = \"2021\"\n"))
	require.NoError(t, err)

	_, err = m.PackageName()
	assert.Error(t, err)
}
