package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/codeloom/internal/design"
)

func TestParseFileMap(t *testing.T) {
	text := "Here is the implementation.\n" +
		"```file:pkg/thing.py\n" +
		"def thing():\n    return 1\n" +
		"```\n" +
		"And a test:\n" +
		"```file:tests/test_thing.py\n" +
		"def test_thing():\n    assert thing() == 1\n" +
		"```\n"

	files, err := ParseFileMap(text)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "def thing():\n    return 1", files["pkg/thing.py"])
	assert.Contains(t, files["tests/test_thing.py"], "assert thing() == 1")
}

func TestParseFileMap_NoBlocks(t *testing.T) {
	_, err := ParseFileMap("I could not produce the file, sorry.")
	assert.ErrorIs(t, err, ErrNoFileBlocks)

	// A plain code fence without a path tag is not a file block.
	_, err = ParseFileMap("```python\nx = 1\n```")
	assert.ErrorIs(t, err, ErrNoFileBlocks)
}

func TestParseFileMap_LaterBlockWins(t *testing.T) {
	text := "```file:a.py\nfirst\n```\n```file:a.py\nsecond\n```\n"
	files, err := ParseFileMap(text)
	require.NoError(t, err)
	assert.Equal(t, "second", files["a.py"])
}

func TestParseProposals(t *testing.T) {
	text := "Two fixes:\n" +
		"```fix\n" +
		`{"path": "a.py", "find": "x = 1", "replace": "x = 2", "diagnostic": "off by one"}` + "\n" +
		"```\n" +
		"```fix\n" +
		`{"path": "b.py", "find": "old", "replace": "new"}` + "\n" +
		"```\n"

	proposals, err := ParseProposals(text)
	require.NoError(t, err)
	require.Len(t, proposals, 2)
	assert.Equal(t, "a.py", proposals[0].Path)
	assert.Equal(t, "off by one", proposals[0].Diagnostic)
	assert.Equal(t, "new", proposals[1].Replace)
}

func TestParseProposals_NoneIsFine(t *testing.T) {
	proposals, err := ParseProposals("All tests pass, nothing to fix.")
	require.NoError(t, err)
	assert.Empty(t, proposals)
}

func TestParseProposals_MalformedJSON(t *testing.T) {
	_, err := ParseProposals("```fix\nnot json\n```")
	assert.Error(t, err)
}

func TestParseDesign(t *testing.T) {
	text := "```json\n" +
		`[{"path": "a.py", "responsibility": "core", "complexity": "high", "depends_on": []},` + "\n" +
		` {"path": "b.py", "responsibility": "helper", "complexity": "low", "depends_on": ["a.py"]}]` + "\n" +
		"```"

	blocks, err := ParseDesign(text)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, design.ComplexityHigh, blocks[0].Complexity)
	assert.Equal(t, []string{"a.py"}, blocks[1].DependsOn)
}

func TestParseDesign_BareJSON(t *testing.T) {
	blocks, err := ParseDesign(`[{"path": "a.py", "responsibility": "r", "complexity": "medium"}]`)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, design.ComplexityMedium, blocks[0].Complexity)
}

func TestParseDesign_UnknownComplexityDefaultsMedium(t *testing.T) {
	blocks, err := ParseDesign(`[{"path": "a.py", "responsibility": "r", "complexity": "extreme"}]`)
	require.NoError(t, err)
	assert.Equal(t, design.ComplexityMedium, blocks[0].Complexity)
}

func TestParseDesign_Invalid(t *testing.T) {
	_, err := ParseDesign("no json here")
	assert.Error(t, err)

	_, err = ParseDesign("[]")
	assert.Error(t, err)
}
