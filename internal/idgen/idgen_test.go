package idgen

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsUUID(t *testing.T) {
	id := New()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(PrefixContract)

	assert.True(t, HasPrefix(id, PrefixContract))
	assert.False(t, HasPrefix(id, PrefixOffer))
	assert.Len(t, id, len(PrefixContract)+32)
	assert.NotEqual(t, id, WithPrefix(PrefixContract))
}
