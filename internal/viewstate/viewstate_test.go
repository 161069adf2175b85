package viewstate

import (
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var today = civil.Date{Year: 2024, Month: time.March, Day: 5}

func TestParse(t *testing.T) {
	s, err := Parse("https://viewer.example/public/transit-viewer.html?feed=A&date=2024-01-01", today)
	require.NoError(t, err)
	assert.Equal(t, "A", s.Feed())
	assert.Equal(t, civil.Date{Year: 2024, Month: time.January, Day: 1}, s.Date())
	assert.Equal(t, "https://viewer.example/public/transit-viewer.html?feed=A&date=2024-01-01", s.URL())
}

func TestParse_DefaultsDateToToday(t *testing.T) {
	s, err := Parse("/?feed=A", today)
	require.NoError(t, err)
	assert.Equal(t, today, s.Date())
	assert.Equal(t, "feed=A&date=2024-03-05", s.Query())
}

func TestParse_MissingFeed(t *testing.T) {
	s, err := Parse("/", today)
	assert.ErrorIs(t, err, ErrMissingFeed)
	require.NotNil(t, s)
	assert.Equal(t, "", s.Feed())
	assert.Equal(t, "date=2024-03-05", s.Query())
}

func TestParse_InvalidDate(t *testing.T) {
	_, err := Parse("/?feed=A&date=2024-13-40", today)
	assert.ErrorIs(t, err, ErrInvalidDate)

	_, err = Parse("/?feed=A&date=yesterday", today)
	assert.ErrorIs(t, err, ErrInvalidDate)
}

func TestChangeDateRewritesURL(t *testing.T) {
	s, err := Parse("/?feed=A&date=2024-01-01", today)
	require.NoError(t, err)

	require.NoError(t, s.SetDateString("2024-01-02"))
	assert.Contains(t, s.URL(), "feed=A&date=2024-01-02")
	assert.Equal(t, "A", s.Feed())
}

func TestChangeFeedRewritesURL(t *testing.T) {
	s, err := Parse("/?date=2024-01-01&feed=A&zoom=12", today)
	require.NoError(t, err)

	require.NoError(t, s.SetFeed("B/C"))
	assert.Equal(t, "feed=B%2FC&date=2024-01-01&zoom=12", s.Query())
	assert.ErrorIs(t, s.SetFeed(" "), ErrMissingFeed)
	assert.Equal(t, "B/C", s.Feed())
}

func TestSetDate_Invalid(t *testing.T) {
	s, err := Parse("/?feed=A&date=2024-01-01", today)
	require.NoError(t, err)

	assert.ErrorIs(t, s.SetDate(civil.Date{Year: 2024, Month: time.February, Day: 30}), ErrInvalidDate)
	assert.ErrorIs(t, s.SetDateString(""), ErrInvalidDate)
	assert.Equal(t, "2024-01-01", s.Date().String())
}

func TestToday(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	now := time.Date(2024, time.January, 1, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, civil.Date{Year: 2024, Month: time.January, Day: 2}, Today(now, berlin))
}
