package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Title Option[string]  `json:"title"`
	Note  Option[*string] `json:"note"`
	Body  string          `json:"body"`
}

func TestOption_AbsentAndNullStayDistinct(t *testing.T) {
	in := doc{Title: None[string](), Note: Some[*string](nil), Body: "hi"}

	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":{"$$undefined":true},"note":null,"body":"hi"}`, string(raw))

	var out doc
	require.NoError(t, json.Unmarshal(raw, &out))

	assert.True(t, out.Title.IsAbsent())
	note, ok := out.Note.Get()
	assert.True(t, ok, "null must decode as a present value")
	assert.Nil(t, note)
	assert.Equal(t, "hi", out.Body)
}

func TestIsUndefined(t *testing.T) {
	cases := []struct {
		raw  string
		want bool
	}{
		{`{"$$undefined":true}`, true},
		{` { "$$undefined" : true } `, true},
		{`{"$$undefined":false}`, false},
		{`{"$$undefined":true,"x":1}`, false},
		{`"$$undefined"`, false},
		{`null`, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsUndefined([]byte(tc.raw)), tc.raw)
	}
}

func TestValueOf(t *testing.T) {
	v, err := ValueOf(None[int]())
	require.NoError(t, err)
	assert.False(t, v.Present)
	assert.ErrorIs(t, v.Decode(new(int)), ErrNoValue)

	v, err = ValueOf(Some(7))
	require.NoError(t, err)
	var n int
	require.NoError(t, v.Decode(&n))
	assert.Equal(t, 7, n)

	v, err = ValueOf(nil)
	require.NoError(t, err)
	assert.True(t, v.Present)
	assert.Equal(t, "null", string(v.Raw()))
}
