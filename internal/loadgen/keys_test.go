package loadgen

import (
	"encoding/json"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRand() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func TestPrepareKey(t *testing.T) {
	k := PrepareKey(42, "")
	assert.Len(t, k, 16)
	assert.Equal(t, k, PrepareKey(42, ""))
	assert.NotEqual(t, k, PrepareKey(43, ""))

	prefixed := PrepareKey(42, "client7")
	assert.Equal(t, "client7-"+k, prefixed)
}

func TestVBucketOf(t *testing.T) {
	assert.Zero(t, VBucketOf("anything", 0))
	for i := range uint64(500) {
		vb := VBucketOf(PrepareKey(i, ""), 1024)
		assert.Less(t, vb, uint16(1024))
	}
	assert.Equal(t, VBucketOf("abc", 64), VBucketOf("abc", 64))
}

func TestKeyMakersMatchDocFields(t *testing.T) {
	for _, field := range []string{"name", "email", "city", "country", "realm", "coins"} {
		km, err := LookupKeyMaker("key_to_" + field)
		require.NoError(t, err)

		for i := range uint64(20) {
			key := PrepareKey(i, "p")
			got, ok := DocField(NewDoc(key, 0), field)
			require.True(t, ok)
			assert.Equal(t, km(key), got, "field %s key %s", field, key)
		}
	}

	_, err := LookupKeyMaker("key_to_nowhere")
	assert.Error(t, err)
}

func TestNewDocSize(t *testing.T) {
	key := PrepareKey(1, "")
	b := Value(key, 1024, true)
	assert.GreaterOrEqual(t, len(b), 1024)

	var d Doc
	require.NoError(t, json.Unmarshal(b, &d))
	assert.Equal(t, key, d.ID)
	assert.True(t, strings.Contains(d.Email, "@"))

	small := Value(key, 10, true)
	assert.NotContains(t, string(small), `"body"`)
}

func TestBinaryValue(t *testing.T) {
	v := Value("short", 100, false)
	assert.Len(t, v, 100)
	assert.Equal(t, v, Value("short", 100, false))
	assert.Len(t, Value("k", 0, false), 1)
}
