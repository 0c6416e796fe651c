package review

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDiff = `@@ -10,3 +10,4 @@ func main() {
 	x := 1
-	y := 2
+	y := 3
+	z := 4
 	fmt.Println(x)
`

func TestRenderDiff_DropsRemovedLinesAndAnnotatesKept(t *testing.T) {
	withLines, withoutLines, kept, err := renderDiff("main.go", sampleDiff)
	require.NoError(t, err)

	assert.NotContains(t, withoutLines, "y := 2")
	assert.Contains(t, withoutLines, "x := 1")
	assert.Contains(t, withoutLines, "y := 3")
	assert.Contains(t, withoutLines, "z := 4")
	assert.Contains(t, withoutLines, "fmt.Println(x)")

	assert.Contains(t, withLines, "// 10")
	assert.Contains(t, withLines, "// 11")

	require.Len(t, kept, 4)
	assert.Equal(t, 10, kept[0].lineNumber)
	assert.Equal(t, "\tx := 1", kept[0].text)
	assert.Equal(t, 11, kept[1].lineNumber)
	assert.Equal(t, "\ty := 3", kept[1].text)
}

func TestRenderDiff_UnparseableHunkHeaderFails(t *testing.T) {
	_, _, _, err := renderDiff("main.go", "not a real diff\n+x\n")
	assert.Error(t, err)
}

func TestRenderDiff_UnknownExtensionFallsBackToNoComment(t *testing.T) {
	withLines, _, _, err := renderDiff("data.unknownext", "@@ -1,1 +1,1 @@\n+hello\n")
	require.NoError(t, err)
	assert.Equal(t, "hello", withLines)
}

func TestCommentPrefix_KnownAndUnknownExtensions(t *testing.T) {
	assert.Equal(t, "//", commentPrefix("main.go"))
	assert.Equal(t, "#", commentPrefix("script.py"))
	assert.Equal(t, "", commentPrefix("data.bin"))
}

func TestContextLines_WindowAroundLineNumber(t *testing.T) {
	kept := []renderedLine{
		{lineNumber: 1, text: "a"},
		{lineNumber: 2, text: "b"},
		{lineNumber: 3, text: "c"},
		{lineNumber: 4, text: "d"},
		{lineNumber: 5, text: "e"},
	}
	got := contextLines(kept, 3, 1)
	assert.Equal(t, []string{"b", "c", "d"}, got)
}
