package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteJSONStatus(rec, http.StatusCreated, map[string]string{"activityId": "a1"}))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"activityId":"a1"}`, rec.Body.String())
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"1", "true", "YES", " on "} {
		assert.True(t, ParseBool(v), v)
	}
	for _, v := range []string{"", "0", "false", "nope"} {
		assert.False(t, ParseBool(v), v)
	}
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("90")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = ParseDuration("1500ms")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	_, err = ParseDuration("soon")
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitList(" a, ,b ,"))
	assert.Empty(t, SplitList(""))
}
