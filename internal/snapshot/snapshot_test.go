package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONPickler_RoundTrip(t *testing.T) {
	p := JSONPickler{}
	ctx := map[string]interface{}{"order_id": "o-1", "count": float64(3)}

	data, err := p.Pickle(ctx)
	require.NoError(t, err)

	restored, err := p.Depickle(data)
	require.NoError(t, err)
	assert.Equal(t, ctx, restored)
}

func TestJSONPickler_NilContext(t *testing.T) {
	p := JSONPickler{}
	data, err := p.Pickle(nil)
	require.NoError(t, err)
	assert.Nil(t, data)

	restored, err := p.Depickle(data)
	require.NoError(t, err)
	assert.Nil(t, restored)
}
