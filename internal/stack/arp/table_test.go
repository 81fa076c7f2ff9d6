package arp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netsim/internal/stack/ipv4"
)

var (
	hostIP  = ipv4.MustParseAddress("192.168.1.10")
	hostMAC = ipv4.MustParseMAC("02:00:5e:00:10:01")
	peerIP  = ipv4.MustParseAddress("192.168.1.20")
	peerMAC = ipv4.MustParseMAC("02:00:5e:00:10:02")
)

func testTable(t *testing.T) (*Table, *time.Time) {
	t.Helper()
	tbl := NewTable(DefaultTableConfig())
	now := time.Now()
	tbl.now = func() time.Time { return now }
	return tbl, &now
}

func TestLearnAndLookup(t *testing.T) {
	tbl, _ := testTable(t)
	tbl.Learn(peerIP, peerMAC, "eth0")

	e, ok := tbl.Lookup(peerIP)
	require.True(t, ok)
	assert.Equal(t, peerMAC, e.MAC)
	assert.Equal(t, StateReachable, e.State)

	_, ok = tbl.Lookup(ipv4.MustParseAddress("192.168.1.99"))
	assert.False(t, ok)
}

func TestReachableDemotesToStaleThenPurges(t *testing.T) {
	tbl, now := testTable(t)
	tbl.Learn(peerIP, peerMAC, "eth0")

	*now = now.Add(6 * time.Minute)
	e, ok := tbl.Lookup(peerIP)
	require.True(t, ok, "expired REACHABLE entry is still usable")
	assert.Equal(t, StateStale, e.State)

	*now = now.Add(6 * time.Minute)
	_, ok = tbl.Lookup(peerIP)
	assert.False(t, ok, "expired STALE entry is purged")
}

func TestIncompleteRetriesOut(t *testing.T) {
	tbl, now := testTable(t)
	tbl.AddIncomplete(peerIP, "eth0")

	for i := 0; i < 2; i++ {
		*now = now.Add(4 * time.Second)
		e, ok := tbl.Lookup(peerIP)
		require.True(t, ok)
		assert.Equal(t, StateIncomplete, e.State)
	}

	*now = now.Add(4 * time.Second)
	_, ok := tbl.Lookup(peerIP)
	assert.False(t, ok, "INCOMPLETE removed after max retries")
}

func TestPermanentNeverAgesOrLearnsOver(t *testing.T) {
	tbl, now := testTable(t)
	tbl.AddStatic(peerIP, peerMAC, "eth0")

	*now = now.Add(24 * time.Hour)
	e, ok := tbl.Lookup(peerIP)
	require.True(t, ok)
	assert.Equal(t, StatePermanent, e.State)

	other := ipv4.MustParseMAC("02:00:5e:00:10:03")
	tbl.Learn(peerIP, other, "eth0")
	e, _ = tbl.Lookup(peerIP)
	assert.Equal(t, peerMAC, e.MAC, "Learn must not overwrite PERMANENT")
}

func TestFlushKeepsPermanent(t *testing.T) {
	tbl, _ := testTable(t)
	tbl.Learn(peerIP, peerMAC, "eth0")
	tbl.AddStatic(hostIP, hostMAC, "eth0")

	tbl.Flush()
	assert.Equal(t, 1, tbl.Len())
	_, ok := tbl.Lookup(hostIP)
	assert.True(t, ok)
}

func TestEntriesSortedAndFormat(t *testing.T) {
	tbl, _ := testTable(t)
	tbl.Learn(ipv4.MustParseAddress("192.168.1.30"), peerMAC, "eth0")
	tbl.Learn(peerIP, peerMAC, "eth0")
	tbl.AddIncomplete(ipv4.MustParseAddress("192.168.1.40"), "eth0")

	entries := tbl.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "192.168.1.20", entries[0].IP.String())
	assert.Equal(t, "192.168.1.30", entries[1].IP.String())

	out := tbl.Format()
	assert.Contains(t, out, "Hardware Addr")
	assert.Contains(t, out, "(incomplete)")
	assert.True(t, strings.Contains(out, "REACHABLE"))
}
