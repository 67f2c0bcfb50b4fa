package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFull(t *testing.T) {
	assert.Equal(t, "dev (commit: unknown)", Full())
}

func TestFullWithPlatform(t *testing.T) {
	assert.Contains(t, FullWithPlatform(), runtime.GOOS+"/"+runtime.GOARCH)
}

func TestUserAgent(t *testing.T) {
	assert.Equal(t, "kerntrace/dev", UserAgent())
}
