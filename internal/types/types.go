// Package types defines the request/response data model shared between
// the Coordinator's public API and the Manifest Mutator / Assembly
// Postprocess components: channels, editions, crate types, compile
// targets, and the per-operation request records.
package types

import "github.com/apexplay/coordinator/internal/sandboxbackend"

// Channel re-exports the Sandbox Backend's channel enum so callers don't
// need to import that package just to pick stable/beta/nightly.
type Channel = sandboxbackend.Channel

const (
	Stable  = sandboxbackend.ChannelStable
	Beta    = sandboxbackend.ChannelBeta
	Nightly = sandboxbackend.ChannelNightly
)

// Edition is the Rust language edition written into the build manifest.
type Edition string

const (
	Edition2015 Edition = "2015"
	Edition2018 Edition = "2018"
	Edition2021 Edition = "2021"
	Edition2024 Edition = "2024"
)

// Mode selects optimization level. The zero value behaves as Debug.
type Mode string

const (
	ModeDebug   Mode = "debug"
	ModeRelease Mode = "release"
)

// CrateType is either a binary or one of the library flavors. Each
// designates a primary source path and an alternate path that must be
// absent when that kind builds.
type CrateType string

const (
	CrateBinary     CrateType = "bin"
	CrateLib        CrateType = "lib"
	CrateDylib      CrateType = "dylib"
	CrateRlib       CrateType = "rlib"
	CrateStaticlib  CrateType = "staticlib"
	CrateCdylib     CrateType = "cdylib"
	CrateProcMacro  CrateType = "proc-macro"
)

// IsBinary reports whether this crate type builds to an executable
// rather than a library artifact.
func (c CrateType) IsBinary() bool { return c == CrateBinary }

// PrimaryPath returns the project-relative source path this crate type
// compiles from.
func (c CrateType) PrimaryPath() string {
	if c.IsBinary() {
		return "src/main.rs"
	}
	return "src/lib.rs"
}

// AlternatePath returns the project-relative source path that must be
// absent for this crate type's build to be unambiguous.
func (c CrateType) AlternatePath() string {
	if c.IsBinary() {
		return "src/lib.rs"
	}
	return "src/main.rs"
}

// AsmFlavor selects assembly syntax.
type AsmFlavor string

const (
	AsmATT   AsmFlavor = "att"
	AsmIntel AsmFlavor = "intel"
)

// CompileTargetKind enumerates the artifact a Compile request produces.
type CompileTargetKind string

const (
	TargetAssembly CompileTargetKind = "asm"
	TargetHIR      CompileTargetKind = "hir"
	TargetLLVMIR   CompileTargetKind = "llvm-ir"
	TargetMIR      CompileTargetKind = "mir"
	TargetWasm     CompileTargetKind = "wasm"
)

// CompileTarget parameterizes an assembly request; flavor/demangle/filter
// are ignored for non-assembly kinds.
type CompileTarget struct {
	Kind     CompileTargetKind
	Flavor   AsmFlavor
	Demangle bool
	Filter   bool
}

// AliasingModel is passed only to the interpreter.
type AliasingModel string

const (
	AliasingStacked AliasingModel = "stacked"
	AliasingTree    AliasingModel = "tree"
)

// RequestBase carries the fields common to every operation.
type RequestBase struct {
	Channel   Channel
	Edition   Edition
	CrateType CrateType
	Code      string
}

// ExecuteRequest runs the crate as a binary, optionally as its test
// harness.
type ExecuteRequest struct {
	RequestBase
	Mode      Mode
	Tests     bool
	Backtrace bool
}

// CompileRequest produces one of the CompileTarget artifacts.
type CompileRequest struct {
	RequestBase
	Mode      Mode
	Target    CompileTarget
	Backtrace bool
}

// FormatRequest runs the formatter over the crate's source.
type FormatRequest struct {
	RequestBase
}

// LintRequest runs the linter over the crate.
type LintRequest struct {
	RequestBase
}

// InterpretRequest runs the crate under the interpreter.
type InterpretRequest struct {
	RequestBase
	Tests   bool
	Aliasing AliasingModel
}

// MacroExpandRequest expands macros in the crate's source.
type MacroExpandRequest struct {
	RequestBase
}

// Version is parsed leniently from a tool's self-identification output;
// fields that couldn't be found are left empty rather than failing the
// whole parse.
type Version struct {
	Release    string
	CommitHash string
	CommitDate string
}

// ChannelVersions bundles one channel's toolchain component versions.
// Interpreter is optional: some channels don't ship one, which is not an
// error.
type ChannelVersions struct {
	Compiler    Version
	Formatter   Version
	Linter      Version
	Interpreter *Version
}

// Versions bundles every channel's ChannelVersions.
type Versions struct {
	Stable  ChannelVersions
	Beta    ChannelVersions
	Nightly ChannelVersions
}

// CrateInfo describes one crate available to user code, as published in
// the per-channel crate-information file produced at image build time.
type CrateInfo struct {
	Name    string
	Version string
}
