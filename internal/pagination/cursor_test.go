package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 10, 9, 0, 0, 123456789, time.UTC)

func TestEncodeDecode(t *testing.T) {
	cursor, err := Decode(Encode(t0, "lst_abc123"))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, t0.Equal(cursor.CreatedAt))
	assert.Equal(t, "lst_abc123", cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not base64", "not-base64!!!"},
		{"no separator", base64.RawURLEncoding.EncodeToString([]byte("nopipe"))},
		{"bad timestamp", base64.RawURLEncoding.EncodeToString([]byte("yesterday|lst_1"))},
		{"no id", base64.RawURLEncoding.EncodeToString([]byte("1700000000|"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.input)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestCursorBefore(t *testing.T) {
	c := &Cursor{CreatedAt: t0, ID: "lst_m"}

	assert.True(t, c.Before(t0.Add(-time.Second), "lst_z"), "older item")
	assert.False(t, c.Before(t0.Add(time.Second), "lst_a"), "newer item")
	assert.True(t, c.Before(t0, "lst_a"), "same instant, lower id")
	assert.False(t, c.Before(t0, "lst_m"), "the cursor item itself")
	assert.False(t, c.Before(t0, "lst_z"), "same instant, higher id")

	var none *Cursor
	assert.True(t, none.Before(t0, "lst_a"))
}

type item struct {
	at time.Time
	id string
}

func key(i item) (time.Time, string) { return i.at, i.id }

func TestComputePage(t *testing.T) {
	items := []item{{t0, "d"}, {t0, "c"}, {t0.Add(-time.Minute), "b"}, {t0.Add(-time.Hour), "a"}}

	page, next, more := ComputePage(items, 5, key)
	assert.Len(t, page, 4)
	assert.Empty(t, next)
	assert.False(t, more)

	page, next, more = ComputePage(items, 4, key)
	assert.Len(t, page, 4)
	assert.Empty(t, next, "exactly limit items means no further page")
	assert.False(t, more)

	page, next, more = ComputePage(items, 2, key)
	require.Len(t, page, 2)
	assert.True(t, more)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
	// The rest of the input is exactly what lies beyond the cursor.
	for _, it := range items[2:] {
		assert.True(t, c.Before(it.at, it.id))
	}
}
