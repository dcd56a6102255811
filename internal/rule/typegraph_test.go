package rule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRules(names ...string) []*Rule {
	rules := make([]*Rule, len(names))
	for i, name := range names {
		rules[i] = &Rule{Name: name}
	}
	return rules
}

func TestTypeGraphAcceptsForwardEdges(t *testing.T) {
	g := newTypeGraph(testRules("package", "compile", "fetch-sources"))

	assert.Nil(t, g.addProvider("package", "compile"))
	assert.Nil(t, g.addProvider("compile", "fetch-sources"))
	assert.Nil(t, g.addProvider("package", "fetch-sources"))
	// recording the same provider twice is a no-op
	assert.Nil(t, g.addProvider("package", "compile"))
}

func TestTypeGraphRejectsSelfProvider(t *testing.T) {
	g := newTypeGraph(testRules("compile"))

	cycle := g.addProvider("compile", "compile")
	require.NotNil(t, cycle)
	assert.Equal(t, []string{"compile", "compile"}, cycle)
}

func TestTypeGraphRejectsClosingEdgeAndReportsPath(t *testing.T) {
	g := newTypeGraph(testRules("a", "b", "c"))

	require.Nil(t, g.addProvider("a", "b"))
	require.Nil(t, g.addProvider("b", "c"))

	cycle := g.addProvider("c", "a")
	require.NotNil(t, cycle)
	assert.Equal(t, []string{"a", "b", "c", "a"}, cycle)

	// the rejected edge must not have been recorded
	assert.Nil(t, g.addProvider("a", "c"))
}

func TestTypeGraphDiamondIsNotACycle(t *testing.T) {
	g := newTypeGraph(testRules("root", "left", "right", "leaf"))

	require.Nil(t, g.addProvider("root", "left"))
	require.Nil(t, g.addProvider("root", "right"))
	require.Nil(t, g.addProvider("left", "leaf"))
	require.Nil(t, g.addProvider("right", "leaf"))
}
