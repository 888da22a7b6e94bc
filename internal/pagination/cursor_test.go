package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ts = time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)

func TestDecode_EncodedCursor(t *testing.T) {
	c, err := Decode(Cursor{CreatedAt: ts, ID: "txn_abc"}.Encode())
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, ts.Equal(c.CreatedAt))
	assert.Equal(t, "txn_abc", c.ID)
}

func TestDecode_Empty(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Invalid(t *testing.T) {
	for _, in := range []string{"not-base64!!!", "bm9waXBl", "fDEyMw", "YWJjfHR4bg"} {
		_, err := Decode(in)
		assert.ErrorIs(t, err, ErrInvalidCursor, in)
	}
}

func TestCursor_After(t *testing.T) {
	var none *Cursor
	assert.True(t, none.After(ts, "anything"))

	c := &Cursor{CreatedAt: ts, ID: "txn_m"}
	assert.True(t, c.After(ts.Add(-time.Second), "txn_z"))
	assert.False(t, c.After(ts.Add(time.Second), "txn_a"))
	assert.True(t, c.After(ts, "txn_a"))
	assert.False(t, c.After(ts, "txn_m"))
	assert.False(t, c.After(ts, "txn_z"))
}

func TestTrim(t *testing.T) {
	key := func(s string) (time.Time, string) { return ts, s }

	items, next := Trim([]string{"c", "b", "a"}, 3, key)
	assert.Len(t, items, 3)
	assert.Empty(t, next)

	items, next = Trim([]string{"d", "c", "b", "a"}, 3, key)
	assert.Equal(t, []string{"d", "c", "b"}, items)
	require.NotEmpty(t, next)

	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)
}
