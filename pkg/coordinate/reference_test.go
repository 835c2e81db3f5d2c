package coordinate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReferenceObject(t *testing.T) {
	t.Parallel()

	ext := External{ID: "secret/data/db#password"}
	obj := ReferenceObject(ext)
	assert.Equal(t, map[string]interface{}{"_secret": "secret/data/db#password"}, obj)

	s, ok := ReferenceValue(obj)
	assert.True(t, ok)
	assert.Equal(t, Render(ext), s)
	assert.True(t, IsReferenceObject(obj))
}

func TestReferenceValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     interface{}
		want   string
		wantOK bool
		isRef  bool
	}{
		{name: "string", in: "airbyte_ws_abc_v1"},
		{name: "nil", in: nil},
		{name: "other_object", in: map[string]interface{}{"host": "db"}},
		{name: "non_string_ref", in: map[string]interface{}{"_secret": 42}, isRef: true},
		{name: "ref", in: map[string]interface{}{"_secret": "arn:aws:x"}, want: "arn:aws:x", wantOK: true, isRef: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := ReferenceValue(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.isRef, IsReferenceObject(tt.in))
		})
	}
}
