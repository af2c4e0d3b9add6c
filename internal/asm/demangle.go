package asm

import (
	"regexp"
	"strconv"
	"strings"
)

var mangledSymbolRegexp = regexp.MustCompile(`_[a-zA-Z0-9._$]*`)

// Demangle rewrites every legacy-mangled Rust symbol (`_ZN...E`) in block
// into its human-readable path form, leaving anything that doesn't match
// the mangling shape untouched. Grounded on the reference implementation's
// demangle_asm, which delegates to rustc_demangle; this covers only the
// legacy scheme (length-prefixed path components, trailing 16-hex-digit
// hash component, `E` terminator) without depending on a Rust crate.
// v0-mangled (`_R...`) symbols are left unchanged.
func Demangle(block string) string {
	return mangledSymbolRegexp.ReplaceAllStringFunc(block, func(sym string) string {
		if demangled, ok := demangleOne(sym); ok {
			return demangled
		}
		return sym
	})
}

var hashComponentRegexp = regexp.MustCompile(`^h[0-9a-f]{16}$`)

// demangleOne decodes one legacy Rust mangled symbol of the form
// "_ZN" + one-or-more (decimal-length, component) pairs + "E", dropping
// the trailing per-crate-instantiation hash component if present.
func demangleOne(sym string) (string, bool) {
	rest, ok := strings.CutPrefix(sym, "_ZN")
	if !ok {
		return "", false
	}
	rest, ok = strings.CutSuffix(rest, "E")
	if !ok {
		return "", false
	}

	var components []string
	for len(rest) > 0 {
		digits := 0
		for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
			digits++
		}
		if digits == 0 {
			return "", false
		}
		n, err := strconv.Atoi(rest[:digits])
		if err != nil || n <= 0 || digits+n > len(rest) {
			return "", false
		}
		components = append(components, rest[digits:digits+n])
		rest = rest[digits+n:]
	}
	if len(components) == 0 {
		return "", false
	}

	if last := components[len(components)-1]; hashComponentRegexp.MatchString(last) {
		components = components[:len(components)-1]
	}
	if len(components) == 0 {
		return "", false
	}
	return strings.Join(components, "::"), true
}
