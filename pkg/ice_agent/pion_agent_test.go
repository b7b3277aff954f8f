package ice_agent

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoopbackAgent(t *testing.T) *PionAgent {
	t.Helper()

	agent, err := NewPionAgent(Config{IncludeLoopback: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = agent.Close() })
	return agent
}

func gather(t *testing.T, agent *PionAgent) uint32 {
	t.Helper()

	done := make(chan uint32, 1)
	agent.OnGatheringDone(func(streamID uint32) {
		select {
		case done <- streamID:
		default:
		}
	})

	streamID := agent.AddStream(1)
	require.NotZero(t, streamID)
	require.NoError(t, agent.AttachReceive(streamID, 1, func(uint32, uint16, []byte) {}))
	require.True(t, agent.GatherCandidates(streamID))

	select {
	case got := <-done:
		assert.Equal(t, streamID, got)
	case <-time.After(10 * time.Second):
		t.Fatal("сбор кандидатов не завершился")
	}
	return streamID
}

func TestPionAgent_StreamLifecycle(t *testing.T) {
	agent := newLoopbackAgent(t)

	// До AddStream операции над потоком недоступны
	assert.ErrorIs(t, agent.AttachReceive(1, 1, nil), ErrNoStream)
	assert.False(t, agent.GatherCandidates(1))

	assert.Zero(t, agent.AddStream(2), "поддерживается только один компонент")

	streamID := agent.AddStream(1)
	require.NotZero(t, streamID)
	assert.Zero(t, agent.AddStream(1), "второй поток не создается")

	assert.ErrorIs(t, agent.SetRemoteCredentials(streamID+100, "u", "p"), ErrUnknownStream)
	assert.Error(t, agent.AttachReceive(streamID, 2, nil))

	require.NoError(t, agent.Close())
	require.NoError(t, agent.Close())
	assert.ErrorIs(t, agent.SetRemoteCredentials(streamID, "u", "p"), ErrAgentClosed)
}

func TestPionAgent_StreamIDsAreUnique(t *testing.T) {
	a := newLoopbackAgent(t)
	b := newLoopbackAgent(t)

	idA := a.AddStream(1)
	idB := b.AddStream(1)
	require.NotZero(t, idA)
	require.NotZero(t, idB)
	assert.NotEqual(t, idA, idB)
}

func TestPionAgent_GathersLoopbackCandidates(t *testing.T) {
	agent := newLoopbackAgent(t)
	streamID := gather(t, agent)

	candidates, err := agent.LocalCandidates(streamID)
	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	for _, c := range candidates {
		assert.Equal(t, uint16(1), c.ComponentID)
		assert.Equal(t, streamID, c.StreamID)
		assert.NotEmpty(t, c.Address)
	}

	ufrag, pwd, err := agent.LocalCredentials(streamID)
	require.NoError(t, err)
	assert.NotEmpty(t, ufrag)
	assert.NotEmpty(t, pwd)
}

func TestPionAgent_SetRemoteCandidatesSkipsInvalid(t *testing.T) {
	agent := newLoopbackAgent(t)
	streamID := agent.AddStream(1)
	require.NotZero(t, streamID)

	added, err := agent.SetRemoteCandidates(streamID, 1, []Candidate{
		{Foundation: "1", ComponentID: 1, Priority: 2130706431, Address: "192.0.2.10", Port: 40000},
		{Foundation: "2", ComponentID: 1, Priority: 2130706175, Address: "not-an-ip", Port: 40002},
		{Foundation: "3", Priority: 2130705919, Address: "192.0.2.11", Port: 40004},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, added)
}

func TestPionAgent_SetRemoteCandidatesDropsBase(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	agent, err := NewPionAgent(Config{IncludeLoopback: true, Logger: logger})
	require.NoError(t, err)
	defer agent.Close()

	streamID := agent.AddStream(1)
	require.NotZero(t, streamID)

	added, err := agent.SetRemoteCandidates(streamID, 1, []Candidate{
		{Foundation: "1", ComponentID: 1, Priority: 2130706431, Address: "192.0.2.10", Port: 40000},
		{Foundation: "2", ComponentID: 1, Priority: 2130706431, Address: "192.0.2.12", Port: 40010,
			BaseAddress: "10.0.0.12", BasePort: 6000},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Contains(t, buf.String(), "base_address=10.0.0.12")
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("base_address=")))
}

func TestPionAgent_LoopbackConnectivity(t *testing.T) {
	if testing.Short() {
		t.Skip("проверка связности ICE в коротком режиме пропускается")
	}

	controlling := newLoopbackAgent(t)
	controlled := newLoopbackAgent(t)

	received := make(chan []byte, 1)
	ctrlStream := gather(t, controlling)
	peerStream := gather(t, controlled)
	require.NoError(t, controlled.AttachReceive(peerStream, 1, func(_ uint32, _ uint16, data []byte) {
		select {
		case received <- data:
		default:
		}
	}))

	exchange := func(from *PionAgent, fromStream uint32, to *PionAgent, toStream uint32) {
		ufrag, pwd, err := from.LocalCredentials(fromStream)
		require.NoError(t, err)
		cands, err := from.LocalCandidates(fromStream)
		require.NoError(t, err)

		require.NoError(t, to.SetRemoteCredentials(toStream, ufrag, pwd))
		added, err := to.SetRemoteCandidates(toStream, 1, cands)
		require.NoError(t, err)
		require.NotZero(t, added)
	}

	controlling.SetRole(true)
	controlled.SetRole(false)
	exchange(controlled, peerStream, controlling, ctrlStream)
	exchange(controlling, ctrlStream, controlled, peerStream)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for !controlling.Connected() {
		select {
		case <-ctx.Done():
			t.Fatal("ICE соединение не установлено")
		case <-time.After(50 * time.Millisecond):
		}
	}

	payload := []byte("ping")
	for {
		_, err := controlling.Write(payload)
		require.NoError(t, err)

		select {
		case got := <-received:
			assert.Equal(t, payload, got)
			return
		case <-ctx.Done():
			t.Fatal("данные не получены")
		case <-time.After(100 * time.Millisecond):
		}
	}
}
