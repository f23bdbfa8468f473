package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSymbolsSaveLoadCurrent(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.SaveSymbols("vehicle.dbc", []byte("BO_ 291 Test: 8 ECU")))
	blob, err := s.LoadSymbols("vehicle.dbc")
	require.NoError(t, err)
	require.Equal(t, "BO_ 291 Test: 8 ECU", string(blob))

	name, cur, err := s.CurrentSymbols()
	require.NoError(t, err)
	require.Equal(t, "vehicle.dbc", name)
	require.Equal(t, blob, cur)
}

func TestCurrentPointerFollowsLatestUpload(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.SaveSymbols("a.dbc", []byte("a")))
	require.NoError(t, s.SaveSymbols("b.dbc", []byte("b")))
	name, _, err := s.CurrentSymbols()
	require.NoError(t, err)
	require.Equal(t, "b.dbc", name)

	names, err := s.ListSymbols()
	require.NoError(t, err)
	require.Equal(t, []string{"a.dbc", "b.dbc"}, names)
}

func TestDeleteSymbolsClearsPointer(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.SaveSymbols("a.dbc", []byte("a")))
	require.NoError(t, s.DeleteSymbols("a.dbc"))
	_, _, err = s.CurrentSymbols()
	require.True(t, errors.Is(err, ErrNotFound))
	require.True(t, errors.Is(s.DeleteSymbols("a.dbc"), ErrNotFound))
}

func TestTransmitListRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	items := []TransmitItem{
		{Name: "ping", ID: 0x100, Extended: false, Data: []byte{1, 2, 3}, PeriodMs: 100},
		{Name: "ext-ping", ID: 0x100, Extended: true, Data: []byte{4}},
		{Name: "rtr", ID: 0x7FF, Remote: true, Data: []byte{}},
	}
	require.NoError(t, s.SaveTransmitList("vehicle.dbc", items))

	got, err := s.LoadTransmitList("vehicle")
	require.NoError(t, err)
	require.Equal(t, items, got, "save then load must yield the identical sequence, extended flags included")

	keys, err := s.ListTransmitLists()
	require.NoError(t, err)
	require.Equal(t, []string{"vehicle"}, keys)
}

func TestSanitizeStripsDirectories(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.SaveSymbols("../../evil.dbc", []byte("x")))
	names, err := s.ListSymbols()
	require.NoError(t, err)
	require.Equal(t, []string{"evil.dbc"}, names)
}

func TestLoadMissing(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	_, err = s.LoadSymbols("nope.dbc")
	require.True(t, errors.Is(err, ErrNotFound))
	_, err = s.LoadTransmitList("nope")
	require.True(t, errors.Is(err, ErrNotFound))
}
