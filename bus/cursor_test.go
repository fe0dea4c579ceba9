package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCursorsEmpty(t *testing.T) {
	assert.Equal(t, "", EncodeCursors(nil))
	assert.Equal(t, "", EncodeCursors([]Cursor{}))
}

func TestDecodeCursorsEmpty(t *testing.T) {
	cursors, err := DecodeCursors("")
	require.NoError(t, err)
	assert.Empty(t, cursors)
}

func TestEncodeCursorsSingle(t *testing.T) {
	s := EncodeCursors([]Cursor{{Key: "t", ID: 3}})
	assert.Equal(t, "t,0000000000000003", s)
}

func TestEncodeCursorsMultiple(t *testing.T) {
	s := EncodeCursors([]Cursor{
		{Key: "x", ID: 2},
		{Key: "y", ID: 1},
	})
	assert.Equal(t, "x,0000000000000002|y,0000000000000001", s)
}

func TestEncodeCursorsEscaping(t *testing.T) {
	s := EncodeCursors([]Cursor{{Key: `a|b\c,d`, ID: 0xDEADBEEF}})
	assert.Equal(t, `a\|b\\c\,d,00000000DEADBEEF`, s)
}

func TestDecodeCursorsEscaping(t *testing.T) {
	cursors, err := DecodeCursors(`a\|b\\c\,d,00000000DEADBEEF`)
	require.NoError(t, err)
	require.Len(t, cursors, 1)
	assert.Equal(t, `a|b\c,d`, cursors[0].Key)
	assert.Equal(t, uint64(0xDEADBEEF), cursors[0].ID)
	assert.Nil(t, cursors[0].Topic)
}

func TestEncodeCursorsMaxID(t *testing.T) {
	s := EncodeCursors([]Cursor{{Key: "t", ID: ^uint64(0)}})
	assert.Equal(t, "t,FFFFFFFFFFFFFFFF", s)
}

func TestCursorRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		cursors []Cursor
	}{
		{"single", []Cursor{{Key: "topic", ID: 42}}},
		{"multiple", []Cursor{{Key: "a", ID: 1}, {Key: "b", ID: 2}, {Key: "c", ID: 3}}},
		{"empty key", []Cursor{{Key: "", ID: 7}}},
		{"backslash", []Cursor{{Key: `back\slash`, ID: 1}}},
		{"pipe", []Cursor{{Key: "pi|pe", ID: 2}}},
		{"comma", []Cursor{{Key: "com,ma", ID: 3}}},
		{"all specials", []Cursor{{Key: `\|,\\||,,`, ID: 4}}},
		{"unicode", []Cursor{{Key: "トピック-π", ID: 5}}},
		{"mixed", []Cursor{{Key: "plain", ID: 0}, {Key: `we|rd,key\`, ID: ^uint64(0)}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decoded, err := DecodeCursors(EncodeCursors(tc.cursors))
			require.NoError(t, err)
			require.Len(t, decoded, len(tc.cursors))
			for i := range tc.cursors {
				assert.Equal(t, tc.cursors[i].Key, decoded[i].Key)
				assert.Equal(t, tc.cursors[i].ID, decoded[i].ID)
			}
		})
	}
}

func TestDecodeCursorsTrailingIDWithoutDelimiter(t *testing.T) {
	cursors, err := DecodeCursors("a,0000000000000001|b,0000000000000002")
	require.NoError(t, err)
	require.Len(t, cursors, 2)
	assert.Equal(t, "b", cursors[1].Key)
	assert.Equal(t, uint64(2), cursors[1].ID)
}

func TestDecodeCursorsShortID(t *testing.T) {
	// Decoding is tolerant of non-padded ids.
	cursors, err := DecodeCursors("t,A")
	require.NoError(t, err)
	require.Len(t, cursors, 1)
	assert.Equal(t, uint64(10), cursors[0].ID)
}

func TestDecodeCursorsMalformed(t *testing.T) {
	cases := []string{
		"keyonly",
		"t,XYZ",
		"t,",
		"a,1|b",
	}
	for _, s := range cases {
		_, err := DecodeCursors(s)
		assert.Error(t, err, "input %q", s)
	}
}
