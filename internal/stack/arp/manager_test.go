package arp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netsim/internal/log"
	"firestige.xyz/netsim/internal/metrics"
	"firestige.xyz/netsim/internal/stack/ipv4"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(ManagerConfig{
		IP:        hostIP,
		MAC:       hostMAC,
		Interface: "eth0",
		Table:     DefaultTableConfig(),
	}, log.GetLogger())
}

func TestResolveCacheHit(t *testing.T) {
	m := testManager(t)
	m.Table().Learn(peerIP, peerMAC, "eth0")

	mac, ok := m.Resolve(peerIP, 10*time.Millisecond)
	assert.True(t, ok)
	assert.Equal(t, peerMAC, mac)
}

func TestResolveTimeout(t *testing.T) {
	m := testManager(t)

	start := time.Now()
	_, ok := m.Resolve(peerIP, 20*time.Millisecond)
	assert.False(t, ok, "timeout is a soft failure")
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, uint64(1), m.Stats().Timeouts)
}

func TestResolveCompletedByReply(t *testing.T) {
	m := testManager(t)

	done := make(chan struct{})
	var mac ipv4.MACAddress
	var ok bool
	go func() {
		mac, ok = m.Resolve(peerIP, time.Second)
		close(done)
	}()

	// Wait until the request is pending, then deliver the reply.
	require.Eventually(t, func() bool {
		return m.Stats().PendingQueries == 1
	}, time.Second, time.Millisecond)

	reply := NewReply(peerMAC, peerIP, hostMAC, hostIP)
	_, err := m.ProcessPacket(reply)
	require.NoError(t, err)

	<-done
	assert.True(t, ok)
	assert.Equal(t, peerMAC, mac)
}

func TestResolveCtxCancelFailsPending(t *testing.T) {
	m := testManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool)
	go func() {
		_, ok := m.ResolveCtx(ctx, peerIP)
		done <- ok
	}()
	require.Eventually(t, func() bool {
		return m.Stats().PendingQueries == 1
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case ok := <-done:
		assert.False(t, ok, "cancellation is a soft failure, like timeout")
	case <-time.After(time.Second):
		t.Fatal("ResolveCtx not released by cancellation")
	}
	assert.Eventually(t, func() bool {
		return m.Stats().PendingQueries == 0
	}, time.Second, time.Millisecond, "owner cancellation expires the shared request")
}

func TestResolveCtxCompletedByReply(t *testing.T) {
	m := testManager(t)

	done := make(chan struct{})
	var mac ipv4.MACAddress
	var ok bool
	go func() {
		mac, ok = m.ResolveCtx(context.Background(), peerIP)
		close(done)
	}()
	require.Eventually(t, func() bool {
		return m.Stats().PendingQueries == 1
	}, time.Second, time.Millisecond)

	_, err := m.ProcessPacket(NewReply(peerMAC, peerIP, hostMAC, hostIP))
	require.NoError(t, err)

	<-done
	assert.True(t, ok)
	assert.Equal(t, peerMAC, mac)
}

func TestResolveCoalescesConcurrentWaiters(t *testing.T) {
	m := testManager(t)

	const waiters = 5
	var wg sync.WaitGroup
	results := make([]bool, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = m.Resolve(peerIP, time.Second)
		}(i)
	}

	require.Eventually(t, func() bool {
		return m.Stats().PendingQueries == 1
	}, time.Second, time.Millisecond)
	// Give the remaining waiters time to join the outstanding request.
	time.Sleep(50 * time.Millisecond)

	// One request on the wire regardless of waiter count.
	assert.Equal(t, uint64(1), m.Stats().RequestsSent)

	_, err := m.ProcessPacket(NewReply(peerMAC, peerIP, hostMAC, hostIP))
	require.NoError(t, err)

	wg.Wait()
	for i, ok := range results {
		assert.True(t, ok, "waiter %d", i)
	}
}

func TestProcessRequestForOurIP(t *testing.T) {
	m := testManager(t)

	req := NewRequest(peerMAC, peerIP, hostIP)
	reply, err := m.ProcessPacket(req)
	require.NoError(t, err)
	require.NotNil(t, reply)

	assert.Equal(t, OpReply, reply.Operation)
	assert.Equal(t, hostMAC, reply.SenderMAC)
	assert.Equal(t, hostIP, reply.SenderIP)
	assert.Equal(t, peerMAC, reply.TargetMAC)

	// The requester's mapping was snooped into the cache.
	e, ok := m.Table().Lookup(peerIP)
	require.True(t, ok)
	assert.Equal(t, peerMAC, e.MAC)
}

func TestProcessRequestForOtherIPSnoopsOnly(t *testing.T) {
	m := testManager(t)

	req := NewRequest(peerMAC, peerIP, ipv4.MustParseAddress("192.168.1.30"))
	reply, err := m.ProcessPacket(req)
	require.NoError(t, err)
	assert.Nil(t, reply)

	_, ok := m.Table().Lookup(peerIP)
	assert.True(t, ok, "sender mapping is snooped even when we are not the target")
}

func TestProbeNeverCached(t *testing.T) {
	m := testManager(t)

	probe := NewRequest(peerMAC, ipv4.Unspecified, ipv4.MustParseAddress("192.168.1.30"))
	reply, err := m.ProcessPacket(probe)
	require.NoError(t, err)
	assert.Nil(t, reply)

	assert.Equal(t, 0, m.Table().Len(), "probe sender must not be cached")
	assert.Equal(t, uint64(1), m.Stats().ProbesIgnored)
}

func TestProbeForOurIPIsDefended(t *testing.T) {
	m := testManager(t)

	probe := NewRequest(peerMAC, ipv4.Unspecified, hostIP)
	reply, err := m.ProcessPacket(probe)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, OpReply, reply.Operation)
	assert.Equal(t, hostIP, reply.SenderIP)
	assert.Equal(t, 0, m.Table().Len())
}

func TestGratuitousUpdatesCache(t *testing.T) {
	m := testManager(t)
	m.Table().Learn(peerIP, peerMAC, "eth0")

	newMAC := ipv4.MustParseMAC("02:00:5e:00:10:09")
	gratuitous := NewRequest(newMAC, peerIP, peerIP)
	_, err := m.ProcessPacket(gratuitous)
	require.NoError(t, err)

	e, ok := m.Table().Lookup(peerIP)
	require.True(t, ok)
	assert.Equal(t, newMAC, e.MAC)
	assert.Equal(t, uint64(1), m.Stats().GratuitousSeen)
}

func TestProcessPacketRejectsUnsupported(t *testing.T) {
	p := NewRequest(peerMAC, peerIP, hostIP)
	p.HardwareType = 99
	m := testManager(t)
	_, err := m.ProcessPacket(p)
	assert.Error(t, err)
}

func TestResetFailsPendingResolves(t *testing.T) {
	m := testManager(t)

	done := make(chan bool)
	go func() {
		_, ok := m.Resolve(peerIP, time.Minute)
		done <- ok
	}()
	require.Eventually(t, func() bool {
		return m.Stats().PendingQueries == 1
	}, time.Second, time.Millisecond)

	m.Reset()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("pending resolve not released by Reset")
	}
}

func TestResetRestoresPendingGauge(t *testing.T) {
	m := testManager(t)
	before := testutil.ToFloat64(metrics.ARPPendingRequests)

	go m.Resolve(peerIP, time.Minute)
	require.Eventually(t, func() bool {
		return m.Stats().PendingQueries == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(metrics.ARPPendingRequests))

	m.Reset()
	assert.Equal(t, before, testutil.ToFloat64(metrics.ARPPendingRequests),
		"reset returns the gauge to its baseline")
}

func TestMarshalWireFormat(t *testing.T) {
	req := NewRequest(hostMAC, hostIP, peerIP)
	b := req.Marshal()
	require.Len(t, b, 28)
	assert.Equal(t, byte(0), b[0])
	assert.Equal(t, byte(1), b[1]) // ethernet
	assert.Equal(t, byte(0x08), b[2])
	assert.Equal(t, byte(0x00), b[3]) // ipv4
	assert.Equal(t, byte(6), b[4])
	assert.Equal(t, byte(4), b[5])
	assert.Equal(t, byte(1), b[7]) // request
}
