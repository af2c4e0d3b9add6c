package asm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDemangleKnownSymbol(t *testing.T) {
	in := "_ZN4core3fmt9Arguments6new_v117h3c6f806acbe1ddabE"
	assert.Equal(t, "core::fmt::Arguments::new_v1", Demangle(in))
}

func TestDemangleManySymbolsInOneLine(t *testing.T) {
	in := "callq _ZN4core3fmt9Arguments6new_v117h3c6f806acbe1ddabE\ncallq _ZN3std2io5stdin17hdeadbeefcafef00dE"
	out := Demangle(in)
	assert.Contains(t, out, "core::fmt::Arguments::new_v1")
	assert.Contains(t, out, "std::io::stdin")
}

func TestDemangleLeavesNonMangledTokensAlone(t *testing.T) {
	in := "  movq %rsp, %rbp\n  .quad _data_label\n"
	assert.Equal(t, in, Demangle(in))
}

func TestDemangleWithoutHashComponent(t *testing.T) {
	in := "_ZN4core3fmt5writeE"
	assert.Equal(t, "core::fmt::write", Demangle(in))
}

func TestDemangleMalformedSymbolUnchanged(t *testing.T) {
	in := "_ZN4coreNOTDIGITSE"
	assert.Equal(t, in, Demangle(in))
}
