package packstream

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackVectors(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want []byte
	}{
		{"tiny positive int", int64(1), []byte{0x01}},
		{"tiny negative int", int64(-16), []byte{0xF0}},
		{"int16", int64(200), []byte{0xC9, 0x00, 0xC8}},
		{"empty string", "", []byte{0x80}},
		{"one char string", "A", []byte{0x81, 0x41}},
		{"tiny list", []any{int64(1), int64(2), int64(3)}, []byte{0x93, 0x01, 0x02, 0x03}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Marshal(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestUnpackSpecialFloats(t *testing.T) {
	packed, err := Marshal(math.NaN())
	require.NoError(t, err)
	v, err := Unmarshal(packed)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(v.(float64)))

	packed, err = Marshal(math.Inf(1))
	require.NoError(t, err)
	v, err = Unmarshal(packed)
	require.NoError(t, err)
	assert.True(t, math.IsInf(v.(float64), 1))
}

func TestRoundTrip(t *testing.T) {
	values := []any{
		nil, true, false,
		int64(0), int64(-16), int64(127), int64(128), int64(-129),
		int64(math.MaxInt32), int64(math.MinInt32), int64(math.MaxInt64),
		3.14159, "", "hello world", []byte{1, 2, 3, 4},
		[]any{int64(1), "two", 3.0, nil},
		map[string]any{"a": int64(1), "b": "two"},
	}
	for _, v := range values {
		packed, err := Marshal(v)
		require.NoError(t, err)
		got, err := Unmarshal(packed)
		require.NoError(t, err)
		if f, ok := v.(float64); ok && math.IsNaN(f) {
			assert.True(t, math.IsNaN(got.(float64)))
			continue
		}
		assert.Equal(t, v, got)
	}
}

func TestStringLengthBoundaries(t *testing.T) {
	for _, n := range []int{15, 16, 255, 256, 65535, 65536} {
		s := make([]byte, n)
		for i := range s {
			s[i] = 'x'
		}
		packed, err := Marshal(string(s))
		require.NoError(t, err)
		got, err := Unmarshal(packed)
		require.NoError(t, err)
		assert.Equal(t, string(s), got)
	}
}

func TestUnsupportedParameterType(t *testing.T) {
	_, err := Marshal(struct{ X int }{1})
	assert.Error(t, err)
}

func TestValidateParameterRejectsGraphValues(t *testing.T) {
	assert.Error(t, ValidateParameter(&Node{ID: 1}))
	assert.Error(t, ValidateParameter(&Relationship{ID: 1}))
	assert.NoError(t, ValidateParameter("fine"))
	assert.NoError(t, ValidateParameter(int64(42)))
}

func TestMapOmitsUndefinedEntries(t *testing.T) {
	m := map[string]any{
		"present": int64(1),
		"absent":  Undefined{},
	}
	packed, err := Marshal(m)
	require.NoError(t, err)
	// tiny map marker with count 1 (only "present" kept)
	assert.Equal(t, byte(markerTinyMapBase|1), packed[0])
}

func TestDecodePathReconstruction(t *testing.T) {
	reg := &Registry{}
	n0 := &Node{ID: 0}
	n1 := &Node{ID: 1}
	n2 := &Node{ID: 2}
	r0 := &UnboundRelationship{ID: 10, Type: "KNOWS"}
	r1 := &UnboundRelationship{ID: 11, Type: "LIKES"}

	s := &Struct{
		Signature: SigPath,
		Fields: []any{
			[]any{n0, n1, n2},
			[]any{r0, r1},
			[]any{int64(1), int64(1), int64(-2), int64(2)},
		},
	}
	p := reg.decodePath(s)
	require.Len(t, p.Relationships, 2)
	assert.Equal(t, int64(0), p.Relationships[0].StartNodeID)
	assert.Equal(t, int64(1), p.Relationships[0].EndNodeID)
	// second hop traversed in reverse: rel binds end->start as (node2 -> node1)
	assert.Equal(t, int64(2), p.Relationships[1].StartNodeID)
	assert.Equal(t, int64(1), p.Relationships[1].EndNodeID)
}

func TestRegistryDecodesStructuresViaHook(t *testing.T) {
	reg := &Registry{}
	d := NewDecoder(nil)
	d.StructHook = reg.Hook()

	packed, err := Marshal(EncodeStruct(SigNode, int64(5), []any{"Person"}, map[string]any{"name": "Ada"}))
	require.NoError(t, err)
	d2 := NewDecoder(packed)
	d2.StructHook = reg.Hook()
	v, err := d2.Unpack()
	require.NoError(t, err)
	n, ok := v.(*Node)
	require.True(t, ok)
	assert.Equal(t, int64(5), n.ID)
	assert.Equal(t, []string{"Person"}, n.Labels)
}
