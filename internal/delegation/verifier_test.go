package delegation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStructural(t *testing.T) {
	v := Structural{MaxDepth: 3}

	assert.NoError(t, v.Verify([]string{"root"}))
	assert.NoError(t, v.Verify([]string{"root", "ops", "agentA"}))
	assert.ErrorIs(t, v.Verify(nil), ErrEmptyChain)
	assert.ErrorIs(t, v.Verify([]string{"root", " "}), ErrBlankLink)
	assert.ErrorIs(t, v.Verify([]string{"root", "agentA", "root"}), ErrCycle)
	assert.ErrorIs(t, v.Verify([]string{"a", "b", "c", "d"}), ErrChainTooLong)

	assert.NoError(t, Structural{}.Verify([]string{"a", "b", "c", "d", "e"}))
}

func TestTrustedRoots(t *testing.T) {
	v := NewTrustedRoots("root", " ", "treasury")

	assert.NoError(t, v.Verify([]string{"root", "agentA"}))
	assert.NoError(t, v.Verify([]string{"treasury"}))
	assert.ErrorIs(t, v.Verify([]string{"agentA", "root"}), ErrUntrustedRoot)

	assert.NoError(t, NewTrustedRoots().Verify([]string{"anyone"}))
}

func TestAll(t *testing.T) {
	v := All(Structural{}, nil, NewTrustedRoots("root"))

	assert.NoError(t, v.Verify([]string{"root", "agentA"}))
	assert.ErrorIs(t, v.Verify([]string{}), ErrEmptyChain)
	assert.ErrorIs(t, v.Verify([]string{"mallory"}), ErrUntrustedRoot)
}
