package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewS3Mirror_IncompleteConfigDisables(t *testing.T) {
	mirror, err := NewS3Mirror(S3Config{Bucket: "catalog-mirror"})
	require.NoError(t, err)
	assert.Nil(t, mirror, "an incomplete S3Config must disable the mirror rather than error")
}

func TestNewS3Mirror_KeyFormat(t *testing.T) {
	m := &S3Mirror{bucket: "catalog-mirror"}
	assert.Equal(t, "catalog/42/0.json", m.key("42", "0"))
}
