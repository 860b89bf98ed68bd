package mmds_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuvisor/kuvisor/mmds"
)

func TestPutGet(t *testing.T) {
	t.Parallel()

	s := mmds.NewStore()
	require.NoError(t, s.Put("latest", json.RawMessage(`{"meta-data":{"instance-id":"i-12345"}}`)))

	got, err := s.Get("/latest/meta-data/instance-id")
	require.NoError(t, err)
	assert.JSONEq(t, `"i-12345"`, string(got))

	got, err = s.Get("latest")
	require.NoError(t, err)
	assert.JSONEq(t, `{"meta-data":{"instance-id":"i-12345"}}`, string(got))
}

func TestGetRoot(t *testing.T) {
	t.Parallel()

	s := mmds.NewStore()
	require.NoError(t, s.Put("latest", json.RawMessage(`{}`)))
	require.NoError(t, s.Put("2024-01-01", json.RawMessage(`{}`)))

	got, err := s.Get("/")
	require.NoError(t, err)
	assert.JSONEq(t, `["2024-01-01","latest"]`, string(got))
}

func TestGetMissing(t *testing.T) {
	t.Parallel()

	s := mmds.NewStore()

	_, err := s.Get("/nope")
	assert.Error(t, err)
}

func TestPutRejectsInvalidJSON(t *testing.T) {
	t.Parallel()

	s := mmds.NewStore()
	assert.Error(t, s.Put("latest", json.RawMessage(`{`)))
}

func TestHandleIsOpaqueBytes(t *testing.T) {
	t.Parallel()

	s := mmds.NewStore()
	require.NoError(t, s.Put("latest", json.RawMessage(`{"k":"v"}`)))

	assert.JSONEq(t, `"v"`, string(s.Handle([]byte("/latest/k"))))
	assert.JSONEq(t, `{"error":"mmds: no document \"x\""}`, string(s.Handle([]byte("/x"))))
}
