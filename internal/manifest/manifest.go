// Package manifest implements the build-manifest mutator: a set of pure,
// idempotent transforms over a parsed Cargo.toml-shaped document. Parsing
// goes through a generic map so that fields the transforms don't know
// about round-trip untouched, grounded on sylabs-singularity's syecl
// package, which is the one place in the example pack that both
// unmarshals and re-marshals a TOML document with go-toml/v2.
package manifest

import (
	"fmt"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/apexplay/coordinator/internal/coordinatorerr"
)

// Manifest is a parsed build manifest. The underlying representation is a
// generic tree so that sections this package never interprets (authors,
// description, arbitrary profile knobs, ...) survive a parse-mutate-
// serialize round trip unchanged.
type Manifest struct {
	doc map[string]any
}

// Parse reads a Cargo.toml-shaped document.
func Parse(data []byte) (*Manifest, error) {
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, coordinatorerr.ManifestParse(err)
	}
	return &Manifest{doc: doc}, nil
}

// Serialize renders the manifest back to TOML bytes.
func (m *Manifest) Serialize() ([]byte, error) {
	b, err := toml.Marshal(m.doc)
	if err != nil {
		return nil, coordinatorerr.ManifestSerialize(err)
	}
	return b, nil
}

// table returns (creating intermediate tables as necessary) the nested map
// at dotted section name, e.g. "package" or "profile.release".
func (m *Manifest) table(name string) map[string]any {
	cur := m.doc
	for _, part := range strings.Split(name, ".") {
		existing, ok := cur[part]
		if ok {
			if t, ok := existing.(map[string]any); ok {
				cur = t
				continue
			}
		}
		t := make(map[string]any)
		cur[part] = t
		cur = t
	}
	return cur
}

// SetEdition sets package.edition. Idempotent: setting the same edition
// twice leaves the document unchanged.
func (m *Manifest) SetEdition(edition string) {
	m.table("package")["edition"] = edition
}

// SetCrateType records crateType on the lib table. "proc-macro" sets
// lib.proc-macro = true and leaves lib.crate-type untouched, matching
// rustc's own treatment of proc-macro crates as a distinct declaration
// rather than a crate-type entry; any other value is appended to
// lib.crate-type if not already present. Idempotent either way.
func (m *Manifest) SetCrateType(crateType string) {
	lib := m.table("lib")
	if crateType == "proc-macro" {
		lib["proc-macro"] = true
		return
	}
	existing, _ := lib["crate-type"].([]any)
	for _, v := range existing {
		if s, ok := v.(string); ok && s == crateType {
			return
		}
	}
	lib["crate-type"] = append(existing, crateType)
}

// RemoveAllDependencies drops the dependencies table entirely. Idempotent:
// a manifest with no dependencies table is left alone.
func (m *Manifest) RemoveAllDependencies() {
	delete(m.doc, "dependencies")
}

// SetReleaseLTO sets profile.release.lto. Idempotent.
func (m *Manifest) SetReleaseLTO(enabled bool) {
	m.table("profile.release")["lto"] = enabled
}

// EnableFeature adds an empty feature declaration under [features] if one
// doesn't already exist. Idempotent: enabling an already-declared feature
// does not duplicate or reset it.
func (m *Manifest) EnableFeature(name string) {
	features := m.table("features")
	if _, ok := features[name]; ok {
		return
	}
	features[name] = []any{}
}

// PackageName reads package.name.
func (m *Manifest) PackageName() (string, error) {
	pkg, ok := m.doc["package"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("manifest: missing [package] table")
	}
	name, ok := pkg["name"].(string)
	if !ok {
		return "", fmt.Errorf("manifest: [package] table missing name")
	}
	return name, nil
}
