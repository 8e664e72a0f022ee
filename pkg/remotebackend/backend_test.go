package remotebackend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainerNameTruncatesAndStripsDashes(t *testing.T) {
	name := containerName("abcd1234-ef56-7890-abcd-1234567890ab")
	assert.Equal(t, "neuroinsight_abcd1234ef56", name)
}

func TestContainerNameHandlesShortIDs(t *testing.T) {
	name := containerName("short")
	assert.Equal(t, "neuroinsight_short", name)
}

func TestShellQuoteEscapesDoubleQuotes(t *testing.T) {
	got := shellQuote(`echo "hi"`)
	assert.Equal(t, `"echo \"hi\""`, got)
}
