package rtp_connection

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtp_connection/pkg/ice_agent"
	"github.com/arzzra/rtp_connection/pkg/rtp_endpoint"
	"github.com/arzzra/rtp_connection/pkg/session_spec"
)

// releaseLog общий журнал освобождения ресурсов для проверки порядка
type releaseLog struct {
	mu     sync.Mutex
	events []string
}

func (l *releaseLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *releaseLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type credentialsCall struct {
	streamID   uint32
	ufrag, pwd string
}

type candidatesCall struct {
	streamID    uint32
	componentID uint16
	candidates  []ice_agent.Candidate
}

// fakeAgent ICE агент, записывающий вызовы
type fakeAgent struct {
	name string
	log  *releaseLog

	// поведение
	failAddStream bool
	failGather    bool
	neverGather   bool

	mu          sync.Mutex
	streamID    uint32
	stunHost    string
	stunPort    int
	controlling *bool
	credentials []credentialsCall
	candidates  []candidatesCall
	onGathered  ice_agent.GatheringDoneFunc
	onState     ice_agent.ComponentStateFunc
	closeCount  int
}

var _ ice_agent.Agent = (*fakeAgent)(nil)

var fakeStreamIDs uint32 = 100

func (a *fakeAgent) SetStunServer(host string, port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stunHost, a.stunPort = host, port
}

func (a *fakeAgent) AddStream(components int) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failAddStream || components != 1 {
		return 0
	}
	a.streamID = atomic.AddUint32(&fakeStreamIDs, 1)
	return a.streamID
}

func (a *fakeAgent) AttachReceive(uint32, uint16, ice_agent.ReceiveFunc) error {
	return nil
}

func (a *fakeAgent) GatherCandidates(streamID uint32) bool {
	a.mu.Lock()
	fn := a.onGathered
	fail, never := a.failGather, a.neverGather
	a.mu.Unlock()

	if fail {
		return false
	}
	if !never && fn != nil {
		go fn(streamID)
	}
	return true
}

func (a *fakeAgent) SetRole(controlling bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.controlling = &controlling
}

func (a *fakeAgent) SetRemoteCredentials(streamID uint32, ufrag, pwd string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.credentials = append(a.credentials, credentialsCall{streamID, ufrag, pwd})
	return nil
}

func (a *fakeAgent) SetRemoteCandidates(streamID uint32, componentID uint16, candidates []ice_agent.Candidate) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.candidates = append(a.candidates, candidatesCall{streamID, componentID, candidates})
	return len(candidates), nil
}

func (a *fakeAgent) OnGatheringDone(fn ice_agent.GatheringDoneFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onGathered = fn
}

func (a *fakeAgent) OnComponentStateChanged(fn ice_agent.ComponentStateFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onState = fn
}

func (a *fakeAgent) LocalCredentials(uint32) (string, string, error) {
	return "u1", "p1", nil
}

func (a *fakeAgent) LocalCandidates(streamID uint32) ([]ice_agent.Candidate, error) {
	return []ice_agent.Candidate{{
		Foundation:  "1",
		ComponentID: 1,
		StreamID:    streamID,
		Priority:    2130706431,
		Address:     "192.0.2.10",
		Port:        40100,
	}}, nil
}

func (a *fakeAgent) Close() error {
	a.mu.Lock()
	a.closeCount++
	a.mu.Unlock()
	if a.log != nil {
		a.log.add("agent:" + a.name)
	}
	return nil
}

func (a *fakeAgent) emitState(state ice_agent.ComponentState) {
	a.mu.Lock()
	fn, id := a.onState, a.streamID
	a.mu.Unlock()
	fn(id, 1, state)
}

func (a *fakeAgent) closes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeCount
}

func (a *fakeAgent) credentialCalls() []credentialsCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]credentialsCall(nil), a.credentials...)
}

func (a *fakeAgent) candidateCalls() []candidatesCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]candidatesCall(nil), a.candidates...)
}

// fakeAgentFactory выдает агентов по порядку создания: сначала аудио, затем видео
type fakeAgentFactory struct {
	mu      sync.Mutex
	log     *releaseLog
	prepare func(index int, a *fakeAgent)
	failAt  int // номер вызова с ошибкой, 0 без ошибок
	created []*fakeAgent
}

func (f *fakeAgentFactory) factory(ice_agent.Config) (ice_agent.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	index := len(f.created)
	if f.failAt == index+1 {
		return nil, errors.New("agent creation failed")
	}

	names := []string{"audio", "video"}
	a := &fakeAgent{name: names[index%2], log: f.log}
	if f.prepare != nil {
		f.prepare(index, a)
	}
	f.created = append(f.created, a)
	return a, nil
}

func (f *fakeAgentFactory) agents() []*fakeAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeAgent(nil), f.created...)
}

// fakeSource источник медиа без сокетов
type fakeSource struct {
	log *releaseLog

	mu         sync.Mutex
	spec       *session_spec.SessionSpec
	cfg        rtp_endpoint.ReceiverConfig
	setCount   int
	terminated int
}

func (s *fakeSource) LocalSpec() *session_spec.SessionSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

func (s *fakeSource) SetLocalSpec(spec *session_spec.SessionSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spec = spec
	s.setCount++
}

func (s *fakeSource) AudioFD() int { return 11 }
func (s *fakeSource) VideoFD() int { return 12 }

func (s *fakeSource) Terminate() {
	s.mu.Lock()
	s.terminated++
	s.mu.Unlock()
	s.log.add("receiver")
}

// fakeSink приемник медиа без сокетов
type fakeSink struct {
	log *releaseLog
	cfg rtp_endpoint.SenderConfig

	mu         sync.Mutex
	packets    int
	terminated int
}

func (s *fakeSink) WritePacket(session_spec.MediaKind, *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets++
	return nil
}

func (s *fakeSink) Terminate() {
	s.mu.Lock()
	s.terminated++
	s.mu.Unlock()
	s.log.add("sender")
}

// harness среда с подменными агентами и конечными точками
type harness struct {
	log      *releaseLog
	agents   *fakeAgentFactory
	registry *prometheus.Registry
	metrics  *Metrics
	rt       *Runtime

	mu         sync.Mutex
	sources    []*fakeSource
	sinks      []*fakeSink
	failSink   bool
	failSource bool
}

func newHarness(t *testing.T, opts ...RuntimeOption) *harness {
	t.Helper()

	h := &harness{log: &releaseLog{}}
	h.agents = &fakeAgentFactory{log: h.log}
	h.registry = prometheus.NewRegistry()
	h.metrics = NewMetrics(h.registry)

	base := []RuntimeOption{
		WithAgentFactory(h.agents.factory),
		WithReceiverFactory(h.newSource),
		WithSenderFactory(h.newSink),
		WithMetrics(h.metrics),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	h.rt = NewRuntime(append(base, opts...)...)
	t.Cleanup(h.rt.Close)
	return h
}

func (h *harness) newSource(cfg rtp_endpoint.ReceiverConfig) (MediaSource, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failSource {
		return nil, errors.New("receiver failed")
	}
	s := &fakeSource{log: h.log, spec: cfg.LocalSpec, cfg: cfg}
	h.sources = append(h.sources, s)
	return s, nil
}

func (h *harness) newSink(cfg rtp_endpoint.SenderConfig) (MediaSink, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failSink {
		return nil, errors.New("sender failed")
	}
	s := &fakeSink{log: h.log, cfg: cfg}
	h.sinks = append(h.sinks, s)
	return s, nil
}

func (h *harness) lastSource() *fakeSource {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sources[len(h.sources)-1]
}

func (h *harness) lastSink() *fakeSink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sinks[len(h.sinks)-1]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.GatheringTimeout = time.Second
	return cfg
}

func newTestConnection(t *testing.T, h *harness, local *session_spec.SessionSpec) *RtpConnection {
	t.Helper()

	conn, err := NewRtpConnection(h.rt, local, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

var pcmu = session_spec.Payload{Type: 0, Name: "PCMU", ClockRate: 8000}
var vp8 = session_spec.Payload{Type: 96, Name: "VP8", ClockRate: 90000}

func audioVideoSpec(address string, port int, video *session_spec.IceTransport) *session_spec.SessionSpec {
	return session_spec.NewSessionSpec(1, 1,
		session_spec.MediaSpec{
			Kind:      session_spec.MediaKindAudio,
			Direction: session_spec.DirectionSendRecv,
			Payloads:  []session_spec.Payload{pcmu},
			Transport: session_spec.Transport{Address: address, Port: port},
		},
		session_spec.MediaSpec{
			Kind:      session_spec.MediaKindVideo,
			Direction: session_spec.DirectionSendRecv,
			Payloads:  []session_spec.Payload{vp8},
			Transport: session_spec.Transport{Address: address, Port: port + 2, Ice: video},
		},
	)
}

func hostCandidate(foundation, address string, port int) session_spec.IceCandidate {
	return session_spec.IceCandidate{
		Foundation:  foundation,
		ComponentID: 1,
		Priority:    2130706431,
		Address:     address,
		Port:        port,
	}
}
