package coordinator

import (
	"bufio"
	"strings"

	"github.com/apexplay/coordinator/internal/types"
)

// parseRustcVersionVerbose extracts release/commit-hash/commit-date from
// rustc's multi-line `rustc --version --verbose` output. The first line
// (the short "rustc 1.2.3 (hash date)" summary) is skipped in favor of the
// `key: value` fields below it; any field it can't find is left as an
// empty string rather than failing the whole parse, per the data model's
// Version note.
func parseRustcVersionVerbose(raw string) types.Version {
	var v types.Version
	sc := bufio.NewScanner(strings.NewReader(raw))
	sc.Scan() // discard the short summary line
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)
		switch key {
		case "release":
			v.Release = val
		case "commit-hash":
			v.CommitHash = val
		case "commit-date":
			v.CommitDate = val
		}
	}
	return v
}

// parseToolVersion extracts release/commit-hash/commit-date from the
// single-line `toolname 0.0.0 (0000000 0000-00-00)` shape printed by
// rustfmt, clippy, and miri.
func parseToolVersion(raw string) types.Version {
	fields := strings.Fields(raw)
	var v types.Version
	if len(fields) > 1 {
		v.Release = fields[1]
	}
	if len(fields) > 2 {
		v.CommitHash = strings.TrimPrefix(fields[2], "(")
	}
	if len(fields) > 3 {
		v.CommitDate = strings.TrimSuffix(fields[3], ")")
	}
	return v
}
