package container

import (
	"github.com/apexplay/coordinator/internal/asm"
	"github.com/apexplay/coordinator/internal/types"
)

// postprocessAssembly applies the Demangle and Filter passes the request
// opted into, in that order, per spec §4.8.
func postprocessAssembly(raw string, target types.CompileTarget) string {
	out := raw
	if target.Demangle {
		out = asm.Demangle(out)
	}
	if target.Filter {
		out = asm.Filter(out)
	}
	return out
}
