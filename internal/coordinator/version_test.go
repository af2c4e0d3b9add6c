package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRustcVersionVerboseExtractsKnownFields(t *testing.T) {
	raw := "rustc 1.75.0 (82e1608df 2023-12-21)\nbinary: rustc\n" +
		"commit-hash: 82e1608dfb484c5d4f7e3a2b6cfc7b5c6cb9e5b3\n" +
		"commit-date: 2023-12-21\n" +
		"release: 1.75.0\n"

	v := parseRustcVersionVerbose(raw)
	assert.Equal(t, "1.75.0", v.Release)
	assert.Equal(t, "82e1608dfb484c5d4f7e3a2b6cfc7b5c6cb9e5b3", v.CommitHash)
	assert.Equal(t, "2023-12-21", v.CommitDate)
}

func TestParseRustcVersionVerboseIgnoresUnrecognizedLines(t *testing.T) {
	v := parseRustcVersionVerbose("rustc 1.2.3 (deadbeef 2024-01-01)\nrelease: 1.2.3\nsome garbage with no colon\nextra: field\n")
	assert.Equal(t, "1.2.3", v.Release)
}

func TestParseRustcVersionVerboseLeavesMissingFieldsEmpty(t *testing.T) {
	v := parseRustcVersionVerbose("rustc 1.2.3\nbinary: rustc\n")
	assert.Empty(t, v.Release)
	assert.Empty(t, v.CommitHash)
	assert.Empty(t, v.CommitDate)
}

func TestParseToolVersionExtractsNameVersionHashDate(t *testing.T) {
	v := parseToolVersion("clippy 0.1.80 (82e1608 2023-12-21)\n")
	assert.Equal(t, "0.1.80", v.Release)
	assert.Equal(t, "82e1608", v.CommitHash)
	assert.Equal(t, "2023-12-21", v.CommitDate)
}

func TestParseToolVersionHandlesShortInput(t *testing.T) {
	v := parseToolVersion("rustfmt")
	assert.Empty(t, v.Release)
	assert.Empty(t, v.CommitHash)
	assert.Empty(t, v.CommitDate)
}
