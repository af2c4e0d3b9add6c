package container

import (
	"context"

	"github.com/apexplay/coordinator/internal/manifest"
	"github.com/apexplay/coordinator/internal/types"
)

// commonTransform applies the manifest rule shared by every operation:
// set-edition, and set-crate-type unless the crate is a binary. Grounded
// on the reference orchestrator's modify_cargo_toml, which every request
// kind applies before any of its own additional transforms.
func commonTransform(edition types.Edition, crateType types.CrateType) func(*manifest.Manifest) {
	return func(m *manifest.Manifest) {
		m.SetEdition(string(edition))
		if !crateType.IsBinary() {
			m.SetCrateType(string(crateType))
		}
	}
}

// wasmTransform additionally strips dependencies and turns on release LTO,
// required for a Wasm compile target per spec §4.7.
func wasmTransform(edition types.Edition, crateType types.CrateType) func(*manifest.Manifest) {
	base := commonTransform(edition, crateType)
	return func(m *manifest.Manifest) {
		base(m)
		m.RemoveAllDependencies()
		m.SetReleaseLTO(true)
	}
}

func modeArgs(mode types.Mode) []string {
	if mode == types.ModeRelease {
		return []string{"--release"}
	}
	return nil
}

// Execute runs the crate as a binary or, with Tests set, its test
// harness.
func (c *Container) Execute(ctx context.Context, req types.ExecuteRequest) (*ExecResult, error) {
	transform := commonTransform(req.Edition, req.CrateType)
	if err := c.doRequest(ctx, req.RequestBase, req.Code, transform); err != nil {
		return nil, err
	}

	subcommand := "build"
	if req.Tests {
		subcommand = "test"
	} else if req.CrateType.IsBinary() {
		subcommand = "run"
	}
	args := append([]string{subcommand}, modeArgs(req.Mode)...)
	if req.Backtrace {
		args = append(args, "--")
	}

	env := map[string]string{}
	if req.Backtrace {
		env["RUST_BACKTRACE"] = "1"
	}
	return c.runCargoTaskSync(ctx, "cargo", args, env, nil)
}

// BeginExecute is the streaming form of Execute.
func (c *Container) BeginExecute(ctx context.Context, req types.ExecuteRequest) (*ActiveSession, error) {
	transform := commonTransform(req.Edition, req.CrateType)
	if err := c.doRequest(ctx, req.RequestBase, req.Code, transform); err != nil {
		return nil, err
	}
	subcommand := "build"
	if req.Tests {
		subcommand = "test"
	} else if req.CrateType.IsBinary() {
		subcommand = "run"
	}
	args := append([]string{subcommand}, modeArgs(req.Mode)...)
	env := map[string]string{}
	if req.Backtrace {
		env["RUST_BACKTRACE"] = "1"
	}
	return c.runCargoTask(ctx, "cargo", args, env, nil)
}

const compileOutputPath = "compilation"

// compileArgs translates a CompileTarget into the cargo rustc invocation
// that produces it, grounded on the reference orchestrator's per-target
// --emit flag selection.
func compileArgs(req types.CompileRequest) []string {
	if req.Target.Kind == types.TargetWasm {
		args := []string{"build", "--target", "wasm32-unknown-unknown"}
		args = append(args, modeArgs(types.ModeRelease)...)
		return args
	}

	args := append([]string{"rustc"}, modeArgs(req.Mode)...)
	switch req.Target.Kind {
	case types.TargetAssembly:
		args = append(args, "--", "--emit", "asm="+compileOutputPath)
		if req.Target.Flavor == types.AsmIntel {
			args = append(args, "-C", "llvm-args=-x86-asm-syntax=intel")
		} else {
			args = append(args, "-C", "llvm-args=-x86-asm-syntax=att")
		}
	case types.TargetLLVMIR:
		args = append(args, "--", "--emit", "llvm-ir="+compileOutputPath)
	case types.TargetMIR:
		args = append(args, "--", "--emit", "mir="+compileOutputPath)
	case types.TargetHIR:
		args = append(args, "--", "-Zunpretty=hir", "-o", compileOutputPath)
	}
	return args
}

// Compile produces one of the CompileTarget artifacts, post-processing
// assembly output through the Assembly Postprocess pipeline when
// requested.
func (c *Container) Compile(ctx context.Context, req types.CompileRequest) (*ExecResult, error) {
	transform := commonTransform(req.Edition, req.CrateType)
	if req.Target.Kind == types.TargetWasm {
		transform = wasmTransform(req.Edition, req.CrateType)
	}
	if err := c.doRequest(ctx, req.RequestBase, req.Code, transform); err != nil {
		return nil, err
	}

	env := map[string]string{}
	if req.Backtrace {
		env["RUST_BACKTRACE"] = "1"
	}
	result, err := c.runCargoTaskSync(ctx, "cargo", compileArgs(req), env, nil)
	if err != nil {
		return nil, err
	}
	if req.Target.Kind == types.TargetAssembly {
		result.Stdout = postprocessAssembly(result.Stdout, req.Target)
	}
	return result, nil
}

// BeginCompile is the streaming form of Compile. Assembly postprocessing
// only applies to the fully drained output, so streaming callers receive
// raw compiler output.
func (c *Container) BeginCompile(ctx context.Context, req types.CompileRequest) (*ActiveSession, error) {
	transform := commonTransform(req.Edition, req.CrateType)
	if req.Target.Kind == types.TargetWasm {
		transform = wasmTransform(req.Edition, req.CrateType)
	}
	if err := c.doRequest(ctx, req.RequestBase, req.Code, transform); err != nil {
		return nil, err
	}
	env := map[string]string{}
	if req.Backtrace {
		env["RUST_BACKTRACE"] = "1"
	}
	return c.runCargoTask(ctx, "cargo", compileArgs(req), env, nil)
}

// Format runs the formatter over the crate's source.
func (c *Container) Format(ctx context.Context, req types.FormatRequest) (*ExecResult, error) {
	transform := commonTransform(req.Edition, req.CrateType)
	if err := c.doRequest(ctx, req.RequestBase, req.Code, transform); err != nil {
		return nil, err
	}
	return c.runCargoTaskSync(ctx, "cargo", []string{"fmt"}, nil, nil)
}

// BeginFormat is the streaming form of Format.
func (c *Container) BeginFormat(ctx context.Context, req types.FormatRequest) (*ActiveSession, error) {
	transform := commonTransform(req.Edition, req.CrateType)
	if err := c.doRequest(ctx, req.RequestBase, req.Code, transform); err != nil {
		return nil, err
	}
	return c.runCargoTask(ctx, "cargo", []string{"fmt"}, nil, nil)
}

// Lint runs the linter (clippy) over the crate.
func (c *Container) Lint(ctx context.Context, req types.LintRequest) (*ExecResult, error) {
	transform := commonTransform(req.Edition, req.CrateType)
	if err := c.doRequest(ctx, req.RequestBase, req.Code, transform); err != nil {
		return nil, err
	}
	return c.runCargoTaskSync(ctx, "cargo", []string{"clippy"}, nil, nil)
}

// BeginLint is the streaming form of Lint.
func (c *Container) BeginLint(ctx context.Context, req types.LintRequest) (*ActiveSession, error) {
	transform := commonTransform(req.Edition, req.CrateType)
	if err := c.doRequest(ctx, req.RequestBase, req.Code, transform); err != nil {
		return nil, err
	}
	return c.runCargoTask(ctx, "cargo", []string{"clippy"}, nil, nil)
}

// Interpret runs the crate under Miri.
func (c *Container) Interpret(ctx context.Context, req types.InterpretRequest) (*ExecResult, error) {
	transform := commonTransform(req.Edition, req.CrateType)
	if err := c.doRequest(ctx, req.RequestBase, req.Code, transform); err != nil {
		return nil, err
	}
	subcommand := "run"
	if req.Tests {
		subcommand = "test"
	}
	env := map[string]string{}
	if req.Aliasing == types.AliasingTree {
		env["MIRIFLAGS"] = "-Zmiri-tree-borrows"
	}
	return c.runCargoTaskSync(ctx, "cargo", []string{"miri", subcommand}, env, nil)
}

// BeginInterpret is the streaming form of Interpret.
func (c *Container) BeginInterpret(ctx context.Context, req types.InterpretRequest) (*ActiveSession, error) {
	transform := commonTransform(req.Edition, req.CrateType)
	if err := c.doRequest(ctx, req.RequestBase, req.Code, transform); err != nil {
		return nil, err
	}
	subcommand := "run"
	if req.Tests {
		subcommand = "test"
	}
	env := map[string]string{}
	if req.Aliasing == types.AliasingTree {
		env["MIRIFLAGS"] = "-Zmiri-tree-borrows"
	}
	return c.runCargoTask(ctx, "cargo", []string{"miri", subcommand}, env, nil)
}

// MacroExpand expands macros in the crate's source.
func (c *Container) MacroExpand(ctx context.Context, req types.MacroExpandRequest) (*ExecResult, error) {
	transform := commonTransform(req.Edition, req.CrateType)
	if err := c.doRequest(ctx, req.RequestBase, req.Code, transform); err != nil {
		return nil, err
	}
	return c.runCargoTaskSync(ctx, "cargo", []string{"rustc", "--", "-Zunpretty=expanded"}, nil, nil)
}

// BeginMacroExpand is the streaming form of MacroExpand.
func (c *Container) BeginMacroExpand(ctx context.Context, req types.MacroExpandRequest) (*ActiveSession, error) {
	transform := commonTransform(req.Edition, req.CrateType)
	if err := c.doRequest(ctx, req.RequestBase, req.Code, transform); err != nil {
		return nil, err
	}
	return c.runCargoTask(ctx, "cargo", []string{"rustc", "--", "-Zunpretty=expanded"}, nil, nil)
}
