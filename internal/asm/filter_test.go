package asm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterDropsUnusedDirective(t *testing.T) {
	in := "  .filesystem1 \"<x>\"\n  movq%rsp, %rbp\n"
	assert.Equal(t, "  movq%rsp, %rbp\n", Filter(in))
}

func TestFilterKeepsLabelUsedByOpcode(t *testing.T) {
	in := ".Lcfi0:\n  callq    .Lcfi0\n"
	assert.Equal(t, "\n.Lcfi0:\n  callq    .Lcfi0\n", Filter(in))
}

func TestFilterDataLabelTransitiveWalkKeepsAllThree(t *testing.T) {
	in := "main:\n  .quad ref.1\n  mov main\nref.1:\n  .quad ref.2\nref.2:\n  .quad 1"
	out := Filter(in)
	assert.Contains(t, out, "main:")
	assert.Contains(t, out, "ref.1:")
	assert.Contains(t, out, "ref.2:")
}

func TestFilterDropsUnreachableDataLabel(t *testing.T) {
	in := "main:\n  .quad ref.1\n  mov main\norphan:\n  .quad 9\n"
	out := Filter(in)
	assert.Contains(t, out, "main:")
	assert.NotContains(t, out, "orphan:")
}

func TestFilterIsIdempotent(t *testing.T) {
	in := "main:\n  .quad ref.1\n  mov main\nref.1:\n  .quad ref.2\nref.2:\n  .quad 1\n  .cfi_startproc\n"
	once := Filter(in)
	twice := Filter(once)
	assert.Equal(t, once, twice)
}

func TestFilterIsMonotoneSubsetOfInputLines(t *testing.T) {
	in := "main:\n  .quad ref.1\n  mov main\norphan:\n  .quad 9\n  .cfi_startproc\n"
	inLines := splitKeepingTrailingEmpty(in)
	outLines := splitKeepingTrailingEmpty(Filter(in))

	inCounts := make(map[string]int)
	for _, l := range inLines {
		inCounts[l]++
	}
	for _, l := range outLines {
		if strings.TrimSpace(l) == "" {
			continue // blank separators are inserted by the label-keep rule
		}
		assert.Greater(t, inCounts[l], 0, "output line %q did not appear in the input", l)
		inCounts[l]--
	}
}
