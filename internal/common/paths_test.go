package common

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"root", "/", ""},
		{"dot", ".", ""},
		{"leading slash", "/a/b", "a/b"},
		{"trailing slash", "a/b/", "a/b"},
		{"double slash", "a//b", "a/b"},
		{"dot segments", "a/./b/../c", "a/c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizePath(tt.in))
		})
	}
}

func TestSplitPath(t *testing.T) {
	t.Parallel()

	assert.Nil(t, SplitPath("/"))
	assert.Equal(t, []string{"a"}, SplitPath("/a"))
	assert.Equal(t, []string{"a", "b", "c"}, SplitPath("a/b/c/"))
}

func TestJoinUnderRoot(t *testing.T) {
	t.Parallel()

	got, err := JoinUnderRoot("/data", "sub/file.txt")
	assert.NoError(t, err)
	assert.Equal(t, "/data/sub/file.txt", got)

	got, err = JoinUnderRoot("/data", "")
	assert.NoError(t, err)
	assert.Equal(t, "/data", got)

	_, err = JoinUnderRoot("/data", "../etc/passwd")
	assert.True(t, errors.Is(err, ErrInvalidPath))
}

func TestIsPathUnder(t *testing.T) {
	t.Parallel()

	assert.True(t, IsPathUnder("/a", "/a"))
	assert.True(t, IsPathUnder("/a", "/a/b"))
	assert.False(t, IsPathUnder("/a", "/ab"))
	assert.False(t, IsPathUnder("/a/b", "/a"))
}

func TestParentPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", ParentPath("a"))
	assert.Equal(t, "a", ParentPath("a/b"))
	assert.Equal(t, "a/b", ParentPath("/a/b/c/"))
}
