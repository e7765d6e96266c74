package manifest

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildWithIndex(t *testing.T) {
	m, err := FromMap(map[string]string{"a": "id1", "b": "id2"}, "a")
	require.NoError(t, err)

	got, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"manifest": "arweave/paths",
		"version": "0.1.0",
		"index": {"path": "a"},
		"paths": {"a": {"id": "id1"}, "b": {"id": "id2"}}
	}`, string(got))
	assert.Equal(t,
		`{"manifest":"arweave/paths","version":"0.1.0","index":{"path":"a"},"paths":{"a":{"id":"id1"},"b":{"id":"id2"}}}`,
		string(got))
}

func TestUnknownIndexTarget(t *testing.T) {
	_, err := FromMap(map[string]string{"a": "id1"}, "missing")
	assert.True(t, errors.Is(err, ErrUnknownIndexTarget))
}

func TestNoIndexOmitted(t *testing.T) {
	m, err := FromMap(map[string]string{"x/y.html": "id"}, "")
	require.NoError(t, err)
	got, err := json.Marshal(m)
	require.NoError(t, err)
	assert.NotContains(t, string(got), "index")
}

func TestBuildKeepsEntryOrder(t *testing.T) {
	m, err := Build([]Entry{{"z", "1"}, {"a", "2"}, {"z", "3"}}, "")
	require.NoError(t, err)

	got, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `{"manifest":"arweave/paths","version":"0.1.0","paths":{"z":{"id":"3"},"a":{"id":"2"}}}`, string(got))

	id, ok := m.Lookup("z")
	assert.True(t, ok)
	assert.Equal(t, "3", id)
}

func TestDeterministicForIdenticalInput(t *testing.T) {
	in := map[string]string{"c": "3", "a": "1", "b": "2", "d/e": "4"}
	first, err := FromMap(in, "b")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := FromMap(in, "b")
		require.NoError(t, err)
		a, _ := first.Bytes()
		b, _ := again.Bytes()
		assert.Equal(t, a, b)
	}
}

func TestCanonicalBytesSortKeys(t *testing.T) {
	m, err := Build([]Entry{{"b", "2"}, {"a", "1"}}, "b")
	require.NoError(t, err)
	got, err := m.Bytes()
	require.NoError(t, err)
	assert.Equal(t,
		`{"index":{"path":"b"},"manifest":"arweave/paths","paths":{"a":{"id":"1"},"b":{"id":"2"}},"version":"0.1.0"}`,
		string(got))
}

func TestEmptyPathIsAnOrdinaryKey(t *testing.T) {
	m, err := FromMap(map[string]string{"": "id0", "a": "id1"}, "")
	require.NoError(t, err)

	got, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `{"manifest":"arweave/paths","version":"0.1.0","paths":{"":{"id":"id0"},"a":{"id":"id1"}}}`, string(got))

	id, ok := m.Lookup("")
	assert.True(t, ok)
	assert.Equal(t, "id0", id)
}

func TestUnmarshalRoundTrip(t *testing.T) {
	orig, err := FromMap(map[string]string{"index.html": "i", "app.js": "j"}, "index.html")
	require.NoError(t, err)
	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var back Manifest
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "index.html", back.Index())
	assert.Equal(t, orig.Entries(), back.Entries())

	assert.Error(t, json.Unmarshal([]byte(`{"manifest":"other","version":"0.1.0","paths":{}}`), &back))
	assert.True(t, errors.Is(
		json.Unmarshal([]byte(`{"manifest":"arweave/paths","version":"0.1.0","index":{"path":"q"},"paths":{}}`), &back),
		ErrUnknownIndexTarget))
}

func TestTags(t *testing.T) {
	m, err := FromMap(map[string]string{"a": "1"}, "")
	require.NoError(t, err)
	assert.Contains(t, m.Tags()[0].Value, "manifest+json")
}
