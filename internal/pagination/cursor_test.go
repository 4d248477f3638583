package pagination

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	at time.Time
	id string
}

func rowKey(r row) (time.Time, string) { return r.at, r.id }

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	id := "8c2f4b1e-entry"

	cursor, err := Decode(Encode(ts, id))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, id, cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, in := range []string{"not-base64!!!", "bm9waXBl" /* "nopipe" */, "MTIzfA" /* "123|" */, "eHx5" /* "x|y" */} {
		_, err := Decode(in)
		assert.ErrorIs(t, err, ErrInvalidCursor, in)
	}
}

func TestCursorPrecedes(t *testing.T) {
	t0 := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: t0, ID: "m"}

	assert.True(t, c.Precedes(t0.Add(time.Nanosecond), "a"))
	assert.True(t, c.Precedes(t0, "n"))
	assert.False(t, c.Precedes(t0, "m"))
	assert.False(t, c.Precedes(t0, "a"))
	assert.False(t, c.Precedes(t0.Add(-time.Second), "z"))

	var none *Cursor
	assert.True(t, none.Precedes(t0, ""))
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ParseLimit(""))
	assert.Equal(t, DefaultLimit, ParseLimit("lots"))
	assert.Equal(t, DefaultLimit, ParseLimit("-3"))
	assert.Equal(t, 10, ParseLimit("10"))
	assert.Equal(t, MaxLimit, ParseLimit("100000"))
}

func TestPaginate_WalksEveryItemOnce(t *testing.T) {
	t0 := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	var rows []row
	for i := range 7 {
		// pairs share a timestamp so the id tie-break matters
		rows = append(rows, row{at: t0.Add(time.Duration(i/2) * time.Second), id: strconv.Itoa(i)})
	}

	var seen []string
	var after *Cursor
	for pages := 0; ; pages++ {
		require.Less(t, pages, 10, "pagination did not terminate")
		page := Paginate(rows, after, 3, rowKey)
		for _, r := range page.Items {
			seen = append(seen, r.id)
		}
		if !page.HasMore {
			assert.Empty(t, page.NextCursor)
			break
		}
		var err error
		after, err = Decode(page.NextCursor)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"0", "1", "2", "3", "4", "5", "6"}, seen)
}

func TestPaginate_ExactLimitHasNoMore(t *testing.T) {
	t0 := time.Now()
	rows := []row{{t0, "a"}, {t0, "b"}, {t0, "c"}}
	page := Paginate(rows, nil, 3, rowKey)
	assert.Len(t, page.Items, 3)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)
}

func TestPaginate_CursorPastEnd(t *testing.T) {
	t0 := time.Now()
	rows := []row{{t0, "a"}}
	page := Paginate(rows, &Cursor{CreatedAt: t0.Add(time.Hour), ID: "z"}, 10, rowKey)
	assert.Empty(t, page.Items)
	assert.False(t, page.HasMore)
}
