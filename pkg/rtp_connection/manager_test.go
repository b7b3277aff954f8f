package rtp_connection

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtp_connection/pkg/session_spec"
)

func newTestManager(t *testing.T, h *harness, max int) *Manager {
	t.Helper()

	cfg := DefaultManagerConfig()
	cfg.MaxConnections = max
	cfg.Connection = testConfig()
	m, err := NewManager(h.rt, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.CloseAll() })
	return m
}

func TestManager_Lifecycle(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var created, closed []string
	cfg := DefaultManagerConfig()
	cfg.Connection = testConfig()
	cfg.OnConnectionCreated = func(id string, _ *RtpConnection) {
		mu.Lock()
		created = append(created, id)
		mu.Unlock()
	}
	cfg.OnConnectionClosed = func(id string) {
		mu.Lock()
		closed = append(closed, id)
		mu.Unlock()
	}
	m, err := NewManager(h.rt, cfg)
	require.NoError(t, err)

	local, remote := scenarioSpecs()
	conn, err := m.CreateConnection(local)
	require.NoError(t, err)

	got, ok := m.GetConnection(conn.ID())
	require.True(t, ok)
	assert.Same(t, conn, got)
	assert.Equal(t, []string{conn.ID()}, m.ListConnections())
	assert.Equal(t, 1, m.Count())

	require.NoError(t, conn.ConnectToRemote(remote, true))
	stats := m.GetStatistics()
	assert.Equal(t, uint64(1), stats.TotalConnections)
	assert.Equal(t, 1, stats.ActiveConnections)
	assert.Equal(t, 1, stats.Negotiated)

	require.NoError(t, m.RemoveConnection(conn.ID()))
	assert.Equal(t, StateDisposed, conn.State())
	assert.Equal(t, 0, m.Count())
	assert.Error(t, m.RemoveConnection(conn.ID()))

	assert.Equal(t, []string{conn.ID()}, created)
	assert.Equal(t, []string{conn.ID()}, closed)
}

func TestManager_Limit(t *testing.T) {
	h := newHarness(t)
	m := newTestManager(t, h, 1)

	local, _ := scenarioSpecs()
	_, err := m.CreateConnection(local)
	require.NoError(t, err)

	_, err = m.CreateConnection(local)
	assert.Error(t, err)
	assert.Equal(t, 1, m.Count())
}

func TestManager_FailedCreationIsNotRegistered(t *testing.T) {
	h := newHarness(t)
	h.failSource = true
	m := newTestManager(t, h, 1)

	local, _ := scenarioSpecs()
	_, err := m.CreateConnection(local)
	assert.True(t, IsConnectionError(err, ErrorCodeEndpointCreation))
	assert.Equal(t, 0, m.Count())

	h.mu.Lock()
	h.failSource = false
	h.mu.Unlock()
	_, err = m.CreateConnection(local)
	assert.NoError(t, err, "неудачная попытка не занимает место в лимите")
}

func TestManager_PortsReleasedWithConnection(t *testing.T) {
	h := newHarness(t)
	m := newTestManager(t, h, 10)

	audioPort, err := m.AllocatePort("127.0.0.1")
	require.NoError(t, err)
	videoPort, err := m.AllocatePort("127.0.0.1")
	require.NoError(t, err)
	assert.NotEqual(t, audioPort, videoPort)
	assert.Zero(t, audioPort%2)

	local := session_spec.NewSessionSpec(1, 1,
		session_spec.MediaSpec{
			Kind:      session_spec.MediaKindAudio,
			Payloads:  []session_spec.Payload{pcmu},
			Transport: session_spec.Transport{Address: "127.0.0.1", Port: audioPort},
		},
		session_spec.MediaSpec{
			Kind:      session_spec.MediaKindVideo,
			Payloads:  []session_spec.Payload{vp8},
			Transport: session_spec.Transport{Address: "127.0.0.1", Port: videoPort},
		},
	)

	conn, err := m.CreateConnection(local)
	require.NoError(t, err)
	assert.Equal(t, 2, m.GetStatistics().UsedPorts)

	require.NoError(t, m.RemoveConnection(conn.ID()))
	assert.Equal(t, 0, m.GetStatistics().UsedPorts)
}

func TestManager_SharedPortReleasedWithLastConnection(t *testing.T) {
	h := newHarness(t)
	m := newTestManager(t, h, 10)

	port, err := m.AllocatePort("127.0.0.1")
	require.NoError(t, err)

	spec := func() *session_spec.SessionSpec {
		return session_spec.NewSessionSpec(1, 1,
			session_spec.MediaSpec{
				Kind:      session_spec.MediaKindAudio,
				Payloads:  []session_spec.Payload{pcmu},
				Transport: session_spec.Transport{Address: "127.0.0.1", Port: port},
			},
			session_spec.MediaSpec{
				Kind:      session_spec.MediaKindVideo,
				Payloads:  []session_spec.Payload{vp8},
				Transport: session_spec.Transport{Address: "127.0.0.1", Port: port},
			},
		)
	}

	first, err := m.CreateConnection(spec())
	require.NoError(t, err)
	second, err := m.CreateConnection(spec())
	require.NoError(t, err)
	assert.Equal(t, 1, m.GetStatistics().UsedPorts)

	require.NoError(t, m.RemoveConnection(first.ID()))
	assert.True(t, m.ports.InUse(port), "порт еще используется вторым соединением")

	require.NoError(t, m.RemoveConnection(second.ID()))
	assert.False(t, m.ports.InUse(port))
	assert.Equal(t, 0, m.GetStatistics().UsedPorts)
}

func TestManager_CloseAll(t *testing.T) {
	h := newHarness(t)
	m := newTestManager(t, h, 10)

	local, _ := scenarioSpecs()
	conns := make([]*RtpConnection, 3)
	for i := range conns {
		conn, err := m.CreateConnection(local)
		require.NoError(t, err)
		conns[i] = conn
	}

	require.NoError(t, m.CloseAll())
	assert.Equal(t, 0, m.Count())
	for _, conn := range conns {
		assert.Equal(t, StateDisposed, conn.State())
	}
}

func TestNewManager_Validation(t *testing.T) {
	h := newHarness(t)

	cfg := DefaultManagerConfig()
	cfg.MaxConnections = 0
	_, err := NewManager(h.rt, cfg)
	assert.Error(t, err)

	cfg = DefaultManagerConfig()
	cfg.PortRange = PortRange{Min: 20000, Max: 20001}
	_, err = NewManager(h.rt, cfg)
	assert.Error(t, err)

	_, err = NewManager(&Runtime{}, DefaultManagerConfig())
	assert.True(t, IsConnectionError(err, ErrorCodeNotYetInitialized))
}

func TestPortAllocator(t *testing.T) {
	pa, err := NewPortAllocator(PortRange{Min: 31001, Max: 31006})
	require.NoError(t, err)

	first, err := pa.Allocate("127.0.0.1")
	require.NoError(t, err)
	assert.Zero(t, first%2)
	assert.True(t, pa.InUse(first))

	second, err := pa.Allocate("127.0.0.1")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	pa.Release(first)
	assert.False(t, pa.InUse(first))
	assert.Equal(t, 1, pa.Used())

	pa.Release(9)
	assert.Equal(t, 1, pa.Used())
}
