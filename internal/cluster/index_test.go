package cluster

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-viewer/internal/transit"
)

func stop(id string, lat, lng float64) transit.Stop {
	return transit.Stop{ID: id, Name: "Stop " + id, Position: transit.LatLng{Lat: lat, Lng: lng}}
}

type recordingPopup struct{ contents []string }

func (p *recordingPopup) SetContent(html string) { p.contents = append(p.contents, html) }

func TestIndex_RegisterAllReplaces(t *testing.T) {
	ix := NewIndex(DefaultOptions())
	stops := []transit.Stop{stop("1", 52.5, 13.4), stop("2", 52.6, 13.5)}

	ix.RegisterAll(stops)
	ix.RegisterAll(stops)
	assert.Equal(t, 2, ix.Len())

	ix.RegisterAll([]transit.Stop{stop("3", 48.1, 11.5)})
	assert.Equal(t, 1, ix.Len())
	_, ok := ix.Lookup("1")
	assert.False(t, ok)
}

func TestIndex_DuplicateIDsKeepLast(t *testing.T) {
	ix := NewIndex(DefaultOptions())
	ix.RegisterAll([]transit.Stop{stop("1", 1, 1), stop("1", 2, 2)})
	require.Equal(t, 1, ix.Len())

	sv, ok := ix.Lookup("1")
	require.True(t, ok)
	assert.Equal(t, 2.0, sv.Position.Lat)
	assert.Equal(t, "Stop 1", sv.Tooltip)
}

func TestIndex_LookupReturnsCopy(t *testing.T) {
	ix := NewIndex(DefaultOptions())
	ix.RegisterAll([]transit.Stop{stop("1", 1, 1)})

	sv, _ := ix.Lookup("1")
	sv.Name = "changed"
	sv.Position.Lat = 99

	again, _ := ix.Lookup("1")
	assert.Equal(t, "Stop 1", again.Name)
	assert.Equal(t, 1.0, again.Position.Lat)
}

func TestIndex_ComputeViewBounds(t *testing.T) {
	ix := NewIndex(DefaultOptions())
	_, err := ix.ComputeViewBounds()
	assert.ErrorIs(t, err, ErrEmpty)

	ix.RegisterAll([]transit.Stop{
		stop("depot", 0, 0),
		stop("a", 52.50, 13.30),
		stop("b", 52.52, 13.40),
		stop("c", 52.54, 13.50),
		stop("d", 52.56, 13.60),
		stop("e", 52.58, 13.70),
		stop("f", 52.60, 13.80),
		stop("g", 52.62, 13.90),
	})

	bb, err := ix.ComputeViewBounds()
	require.NoError(t, err)
	// n=8: indexes 2 and 6 of the sorted axes
	assert.Equal(t, transit.LatLng{Lat: 52.52, Lng: 13.40}, bb.SouthWest)
	assert.Equal(t, transit.LatLng{Lat: 52.60, Lng: 13.80}, bb.NorthEast)

	again, err := ix.ComputeViewBounds()
	require.NoError(t, err)
	assert.Equal(t, bb, again)
}

func TestIndex_ComputeViewBoundsOrdered(t *testing.T) {
	sets := [][]transit.Stop{
		{stop("1", 10, -5)},
		{stop("1", 10, 20), stop("2", -10, -20)},
		{stop("1", 9, 100), stop("2", 100, 9), stop("3", -3, 8), stop("4", 40, -170)},
	}
	for _, stops := range sets {
		ix := NewIndex(DefaultOptions())
		ix.RegisterAll(stops)
		bb, err := ix.ComputeViewBounds()
		require.NoError(t, err)
		assert.LessOrEqual(t, bb.SouthWest.Lat, bb.NorthEast.Lat)
		assert.LessOrEqual(t, bb.SouthWest.Lng, bb.NorthEast.Lng)
	}
}

func TestIndex_LoaderAttachedOnMaterialisation(t *testing.T) {
	ix := NewIndex(DefaultOptions())
	var loads []string
	ix.SetDetailLoader(func(sv transit.StopView, target PopupTarget) {
		loads = append(loads, sv.ID)
		target.SetContent("details of " + sv.ID)
	})
	ix.RegisterAll([]transit.Stop{stop("1", 52.50, 13.30), stop("2", 48.1, 11.5)})

	world := orb.Bound{Min: orb.Point{-180, -85}, Max: orb.Point{180, 85}}
	ix.Query(world, 17)
	ix.Query(world, 17)
	assert.Equal(t, 2, ix.Attached())
	assert.Empty(t, loads, "no detail is fetched before a popup opens")

	p := &recordingPopup{}
	require.NoError(t, ix.OpenPopup("1", p))
	require.NoError(t, ix.OpenPopup("1", p))
	assert.Equal(t, []string{"1", "1"}, loads)
	assert.Equal(t, []string{"details of 1", "details of 1"}, p.contents)

	assert.ErrorIs(t, ix.OpenPopup("nope", p), ErrUnknownStop)
}

func TestIndex_OpenPopupAttachesOnDemand(t *testing.T) {
	ix := NewIndex(DefaultOptions())
	calls := 0
	ix.SetDetailLoader(func(transit.StopView, PopupTarget) { calls++ })
	ix.RegisterAll([]transit.Stop{stop("1", 1, 1)})

	require.NoError(t, ix.OpenPopup("1", &recordingPopup{}))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, ix.Attached())
}
