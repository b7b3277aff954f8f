package rtp_connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/rtp_connection/pkg/ice_agent"
	"github.com/arzzra/rtp_connection/pkg/session_spec"
)

// Причины сбоев ICE для метрик
const (
	iceFailureSetup     = "setup"
	iceFailureTimeout   = "timeout"
	iceFailureComponent = "component_failed"
)

// iceKinds порядок создания и настройки агентов
var iceKinds = [...]session_spec.MediaKind{session_spec.MediaKindAudio, session_spec.MediaKindVideo}

type iceSlot struct {
	agent    ice_agent.Agent
	streamID uint32
}

// IceCoordinator владеет парой ICE агентов (аудио и видео) одного соединения.
//
// Сбор кандидатов синхронизируется отдельными мьютексом и условной переменной:
// обработчики завершения сбора приходят из горутин агентов и не должны
// зависеть от блокировки соединения.
type IceCoordinator struct {
	connectionID string
	factory      ice_agent.Factory
	cfg          Config
	logger       *slog.Logger
	metrics      *Metrics
	onState      ComponentStateHandler

	mu     sync.Mutex
	slots  map[session_spec.MediaKind]*iceSlot
	closed bool

	gatherMu      sync.Mutex
	gatherCond    *sync.Cond
	audioGathered bool
	videoGathered bool
}

func newIceCoordinator(connectionID string, rt *Runtime, cfg Config, logger *slog.Logger) *IceCoordinator {
	c := &IceCoordinator{
		connectionID: connectionID,
		factory:      rt.agentFactory,
		cfg:          cfg,
		logger:       logger.With(slog.String("component", "ice_coordinator")),
		metrics:      rt.metrics,
		onState:      rt.onComponent,
	}
	c.gatherCond = sync.NewCond(&c.gatherMu)
	return c
}

// Initialize создает агентов, добавляет по одному потоку с одним компонентом,
// запускает сбор кандидатов и ждет его завершения не дольше GatheringTimeout.
// При любой ошибке созданные агенты освобождаются.
func (c *IceCoordinator) Initialize(ctx context.Context) error {
	start := time.Now()

	slots := make(map[session_spec.MediaKind]*iceSlot, len(iceKinds))
	for _, kind := range iceKinds {
		slot, err := c.setupAgent(ctx, kind)
		if err != nil {
			closeSlots(slots)
			c.metrics.iceFailure(iceFailureSetup)
			return err
		}
		slots[kind] = slot
	}

	c.mu.Lock()
	c.slots = slots
	c.mu.Unlock()

	for _, kind := range iceKinds {
		slot := slots[kind]
		if !slot.agent.GatherCandidates(slot.streamID) {
			c.teardown()
			c.metrics.iceFailure(iceFailureSetup)
			return NewConnectionErrorWithID(ErrorCodeIceSetupFailed, c.connectionID,
				"не удалось запустить сбор кандидатов %s", kind)
		}
	}

	if !c.waitGathering(ctx, c.cfg.GatheringTimeout) {
		c.logger.Warn("Сбор ICE кандидатов не завершился вовремя",
			slog.Duration("timeout", c.cfg.GatheringTimeout))
		c.teardown()
		c.metrics.iceFailure(iceFailureTimeout)
		return NewConnectionErrorWithID(ErrorCodeIceGatheringTimeout, c.connectionID,
			"сбор кандидатов не завершился за %s", c.cfg.GatheringTimeout)
	}

	elapsed := time.Since(start)
	c.metrics.gathered(elapsed)
	c.logger.Debug("ICE кандидаты собраны", slog.Duration("elapsed", elapsed))
	return nil
}

func (c *IceCoordinator) setupAgent(ctx context.Context, kind session_spec.MediaKind) (*iceSlot, error) {
	agent, err := c.factory(ice_agent.Config{
		Context:         ctx,
		Compatibility:   c.cfg.compatibility(),
		IncludeLoopback: c.cfg.IncludeLoopback,
		Logger:          c.logger.With(slog.String("media", kind.String())),
	})
	if err != nil {
		return nil, WrapConnectionError(ErrorCodeIceSetupFailed, c.connectionID, err,
			"не удалось создать ICE агента %s", kind)
	}

	agent.OnGatheringDone(func(uint32) {
		c.markGathered(kind)
	})
	agent.OnComponentStateChanged(func(streamID uint32, componentID uint16, state ice_agent.ComponentState) {
		c.componentStateChanged(kind, streamID, componentID, state)
	})

	if c.cfg.StunServer != "" {
		agent.SetStunServer(c.cfg.StunServer, c.cfg.StunPort)
	}

	streamID := agent.AddStream(1)
	if streamID == 0 {
		_ = agent.Close()
		return nil, NewConnectionErrorWithID(ErrorCodeIceSetupFailed, c.connectionID,
			"не удалось добавить ICE поток %s", kind)
	}

	// медиа идет через сокеты Receiver, данные ICE компонента не нужны
	if err := agent.AttachReceive(streamID, 1, func(uint32, uint16, []byte) {}); err != nil {
		c.logger.Warn("Не удалось подключить обработчик приема ICE",
			slog.String("media", kind.String()),
			slog.String("error", err.Error()))
	}

	return &iceSlot{agent: agent, streamID: streamID}, nil
}

func (c *IceCoordinator) markGathered(kind session_spec.MediaKind) {
	c.gatherMu.Lock()
	switch kind {
	case session_spec.MediaKindAudio:
		c.audioGathered = true
	case session_spec.MediaKindVideo:
		c.videoGathered = true
	}
	c.gatherMu.Unlock()
	c.gatherCond.Broadcast()
}

// waitGathering ждет завершения сбора у обоих агентов. Ожидание прерывается
// по таймауту или отмене ctx. Пробуждения без изменения флагов перепроверяются.
func (c *IceCoordinator) waitGathering(ctx context.Context, timeout time.Duration) bool {
	c.gatherMu.Lock()
	defer c.gatherMu.Unlock()

	expired := false
	wake := func() {
		c.gatherMu.Lock()
		expired = true
		c.gatherMu.Unlock()
		c.gatherCond.Broadcast()
	}

	timer := time.AfterFunc(timeout, wake)
	defer timer.Stop()
	stop := context.AfterFunc(ctx, wake)
	defer stop()

	for !(c.audioGathered && c.videoGathered) && !expired {
		c.gatherCond.Wait()
	}
	return c.audioGathered && c.videoGathered
}

func (c *IceCoordinator) componentStateChanged(kind session_spec.MediaKind, streamID uint32, componentID uint16, state ice_agent.ComponentState) {
	c.logger.Debug("Состояние ICE компонента изменилось",
		slog.String("media", kind.String()),
		slog.Any("stream_id", streamID),
		slog.Any("component_id", componentID),
		slog.String("state", state.String()))

	c.metrics.componentState(kind, state.String())
	if state == ice_agent.ComponentStateFailed {
		c.metrics.iceFailure(iceFailureComponent)
	}

	if c.onState != nil {
		c.onState(c.connectionID, kind, streamID, componentID, state)
	}
}

type remoteIce struct {
	ufrag      string
	pwd        string
	candidates []ice_agent.Candidate
}

// ConfigureRemote передает агентам удаленные учетные данные и кандидаты.
// Кандидаты собираются со всех медиа линий одного типа и передаются одним
// вызовом на компонент 1; учетные данные берутся из первой линии, давшей
// хотя бы одного кандидата. Кандидат без явного идентификатора потока
// получает поток агента. Агенты без удаленных кандидатов не настраиваются.
// Возвращает число принятых кандидатов по типам медиа.
func (c *IceCoordinator) ConfigureRemote(remote *session_spec.SessionSpec, controlling bool) map[session_spec.MediaKind]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	accepted := make(map[session_spec.MediaKind]int)
	if c.closed || c.slots == nil || remote == nil {
		return accepted
	}

	pending := make(map[session_spec.MediaKind]*remoteIce)
	for _, media := range remote.Medias() {
		slot, ok := c.slots[media.Kind]
		if !ok || !media.HasIce() {
			continue
		}

		ice := media.Transport.Ice
		if len(ice.Candidates) == 0 {
			continue
		}

		p, ok := pending[media.Kind]
		if !ok {
			p = &remoteIce{ufrag: ice.Username, pwd: ice.Password}
			pending[media.Kind] = p
		}

		for _, cand := range ice.Candidates {
			sid := cand.StreamID
			if sid == 0 {
				sid = slot.streamID
			}
			ac := ice_agent.Candidate{
				Foundation:  cand.Foundation,
				ComponentID: cand.ComponentID,
				StreamID:    sid,
				Priority:    cand.Priority,
				Address:     cand.Address,
				Port:        cand.Port,
			}
			if cand.HasBase() {
				ac.BaseAddress = cand.BaseAddress
				ac.BasePort = cand.BasePort
			}
			p.candidates = append(p.candidates, ac)
		}
	}

	for _, kind := range iceKinds {
		p, ok := pending[kind]
		if !ok {
			continue
		}
		slot := c.slots[kind]

		slot.agent.SetRole(controlling)
		if err := slot.agent.SetRemoteCredentials(slot.streamID, p.ufrag, p.pwd); err != nil {
			c.logger.Warn("Не удалось задать удаленные учетные данные ICE",
				slog.String("media", kind.String()),
				slog.String("error", err.Error()))
		}

		n, err := slot.agent.SetRemoteCandidates(slot.streamID, 1, p.candidates)
		if err != nil {
			c.logger.Warn("Ошибка передачи удаленных кандидатов",
				slog.String("media", kind.String()),
				slog.String("error", err.Error()))
		}
		accepted[kind] = n
		c.metrics.candidatesAccepted(kind, n)

		c.logger.Debug("Удаленные ICE кандидаты переданы",
			slog.String("media", kind.String()),
			slog.Int("total", len(p.candidates)),
			slog.Int("accepted", n),
			slog.Bool("controlling", controlling))
	}

	return accepted
}

// Agent возвращает агента для типа медиа или nil
func (c *IceCoordinator) Agent(kind session_spec.MediaKind) ice_agent.Agent {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.slots[kind]
	if !ok {
		return nil
	}
	return slot.agent
}

// StreamID идентификатор потока агента, 0 если агента нет
func (c *IceCoordinator) StreamID(kind session_spec.MediaKind) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.slots[kind]
	if !ok {
		return 0
	}
	return slot.streamID
}

// LocalTransport локальные учетные данные и кандидаты агента для
// публикации в описании сессии. nil без ошибки, если агента нет.
func (c *IceCoordinator) LocalTransport(kind session_spec.MediaKind) (*session_spec.IceTransport, error) {
	c.mu.Lock()
	slot, ok := c.slots[kind]
	c.mu.Unlock()
	if !ok {
		return nil, nil
	}

	ufrag, pwd, err := slot.agent.LocalCredentials(slot.streamID)
	if err != nil {
		return nil, err
	}
	candidates, err := slot.agent.LocalCandidates(slot.streamID)
	if err != nil {
		return nil, err
	}

	transport := &session_spec.IceTransport{Username: ufrag, Password: pwd}
	for _, cand := range candidates {
		transport.Candidates = append(transport.Candidates, session_spec.IceCandidate{
			Foundation:  cand.Foundation,
			ComponentID: cand.ComponentID,
			Priority:    cand.Priority,
			Address:     cand.Address,
			Port:        cand.Port,
			BaseAddress: cand.BaseAddress,
			BasePort:    cand.BasePort,
			StreamID:    cand.StreamID,
		})
	}
	return transport, nil
}

// Ready сообщает есть ли у координатора рабочие агенты
func (c *IceCoordinator) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.slots != nil
}

// Close освобождает агентов. Повторный вызов безопасен.
func (c *IceCoordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	slots := c.slots
	c.slots = nil
	c.mu.Unlock()

	closeSlots(slots)
}

// teardown освобождает агентов после неудачной инициализации
func (c *IceCoordinator) teardown() {
	c.mu.Lock()
	slots := c.slots
	c.slots = nil
	c.mu.Unlock()

	closeSlots(slots)
}

func closeSlots(slots map[session_spec.MediaKind]*iceSlot) {
	for _, kind := range iceKinds {
		if slot, ok := slots[kind]; ok {
			_ = slot.agent.Close()
		}
	}
}
