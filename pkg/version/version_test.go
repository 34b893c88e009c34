package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFull(t *testing.T) {
	full := Full()
	assert.True(t, strings.HasPrefix(full, "maestro/"))
	assert.NotEmpty(t, GitCommit)
	assert.LessOrEqual(t, len(GitCommit), 8)
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abcdef12", short("abcdef1234567890"))
	assert.Equal(t, "dev", short("dev"))
}
