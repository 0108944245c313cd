package blobstore

import (
	"testing"

	"github.com/ValerySidorin/acheron/pkg/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	key, err := Key("t1", "b1", "Patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, "t1/b1/Patient/p1.json", key)

	key, err = EmbeddingKey("t1", "b1", "Patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, "t1/b1/Patient/p1.embeddings.json", key)

	key, err = ExportKey("t1", "b1", "../../t2/Patient.ndjson")
	require.NoError(t, err)
	assert.Equal(t, "t1/b1/exports/Patient.ndjson", key)

	other, err := Key("t2", "b1", "Patient", "p1")
	require.NoError(t, err)
	assert.NotEqual(t, "t1/b1/Patient/p1.json", other)
}

func TestKeysNeverLeaveTheTenant(t *testing.T) {
	tests := []struct {
		name string
		key  func() (string, error)
	}{
		{"resource id", func() (string, error) { return Key("t1", "b1", "Patient", "../../../t2/b9/Patient/p1") }},
		{"resource type", func() (string, error) { return Key("t1", "b1", "../../t2", "p1") }},
		{"embedding id", func() (string, error) { return EmbeddingKey("t1", "b1", "Patient", "../../../t2/x") }},
		{"batch id", func() (string, error) { return ExportKey("t1", "../t2/b9", "export") }},
		{"nested batch id", func() (string, error) { return ExportKey("t1", "b1/b2", "export") }},
		{"dot tenant", func() (string, error) { return Key("..", "b1", "Patient", "p1") }},
	}

	for _, v := range tests {
		key, err := v.key()
		assert.True(t, failure.Is(err, failure.Validation), v.name)
		assert.Empty(t, key, v.name)
	}
}

func TestInTenant(t *testing.T) {
	assert.True(t, InTenant("t1", "t1/b1/exports/export"))
	assert.False(t, InTenant("t1", "t1/../t2/b1/exports/export"))
	assert.False(t, InTenant("t1", "t2/b1/exports/export"))
	assert.False(t, InTenant("t1", "t1"))
	assert.False(t, InTenant("", "/x"))
}
