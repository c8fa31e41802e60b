package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchemaLen_KnownSchemas(t *testing.T) {
	n, ok := SchemaLen("entity")
	assert.True(t, ok)
	assert.Equal(t, 5, n)

	n, ok = SchemaLen("user")
	assert.True(t, ok)
	assert.Equal(t, 5, n)
}

func TestSchemaLen_UnknownSchema(t *testing.T) {
	_, ok := SchemaLen("bogus")
	assert.False(t, ok)
}
