package build

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Get(t *testing.T) {
	info := Get()

	assert.Equal(t, Version, info.Version)
	assert.Equal(t, Commit, info.Commit)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)

	assert.Equal(t, info.Version, info.String())
	assert.Contains(t, info.Full(), info.Version)
	assert.Contains(t, info.Full(), info.Commit)
	assert.Contains(t, info.Full(), info.GoVersion)
}
