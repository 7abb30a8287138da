package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	oldV, oldSHA, oldBuild := Version, GitSHA, BuildTime
	t.Cleanup(func() { Version, GitSHA, BuildTime = oldV, oldSHA, oldBuild })

	Version, GitSHA, BuildTime = "1.2.0", "0123456789abcdef", "2025-06-01"
	assert.Equal(t, "urbo 1.2.0 (0123456, built 2025-06-01)", String())

	GitSHA = "abc"
	assert.Equal(t, "urbo 1.2.0 (abc, built 2025-06-01)", String())
}
