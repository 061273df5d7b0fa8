package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPath(t *testing.T) {
	v := Map(map[string]Value{
		"items": List(
			Map(map[string]Value{"name": String("a")}),
			Map(map[string]Value{"name": String("b")}),
		),
		"status": Int(200),
	})

	got, ok := v.Get("items[1].name")
	require.True(t, ok)
	s, ok := got.String()
	require.True(t, ok)
	assert.Equal(t, "b", s)

	_, ok = v.Get("items[5].name")
	assert.False(t, ok)

	_, ok = v.Get("missing")
	assert.False(t, ok)
}

func TestTruthy(t *testing.T) {
	assert.False(t, Null().Truthy())
	assert.False(t, Bool(false).Truthy())
	assert.True(t, Bool(true).Truthy())
	assert.False(t, Int(0).Truthy())
	assert.True(t, Int(1).Truthy())
	assert.False(t, String("").Truthy())
	assert.True(t, List(Int(1)).Truthy())
}

func TestFromJSONRoundTrip(t *testing.T) {
	v, err := FromJSON([]byte(`{"b":true,"n":1,"f":1.5,"s":"x","l":[1,2],"m":{"k":"v"}}`))
	require.NoError(t, err)

	out, err := v.CanonicalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"b":true,"f":1.5,"l":[1,2],"m":{"k":"v"},"n":1,"s":"x"}`, string(out))
}

func TestCanonicalJSONKeyOrderIndependence(t *testing.T) {
	a, err := FromJSON([]byte(`{"z":1,"a":2}`))
	require.NoError(t, err)
	b, err := FromJSON([]byte(`{"a":2,"z":1}`))
	require.NoError(t, err)

	ca, err := a.CanonicalJSON()
	require.NoError(t, err)
	cb, err := b.CanonicalJSON()
	require.NoError(t, err)
	assert.Equal(t, string(ca), string(cb))
}
