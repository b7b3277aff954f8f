package ice_agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pion/ice/v4"
	"github.com/pion/stun/v3"
)

// receiveMTU размер буфера чтения данных компонента
const receiveMTU = 8192

var (
	ErrUnknownStream = errors.New("неизвестный ICE поток")
	ErrAgentClosed   = errors.New("ICE агент закрыт")
	ErrNoStream      = errors.New("ICE поток не создан")
)

// streamIDs общий счетчик идентификаторов потоков
var streamIDs atomic.Uint32

// PionAgent реализация Agent поверх pion/ice.
//
// pion агент создается в AddStream, потому что список STUN серверов
// передается ему при создании. Один PionAgent обслуживает ровно один поток
// с одним компонентом. После получения удаленных учетных данных и кандидатов
// запускается проверка связности (Dial для controlling, Accept для controlled),
// и данные установленного соединения передаются обработчику AttachReceive.
type PionAgent struct {
	mu sync.Mutex

	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	stunURL  *stun.URI
	agent    *ice.Agent
	streamID uint32

	controlling bool
	remoteUfrag string
	remotePwd   string
	remoteCount int

	onReceive   ReceiveFunc
	onGathering GatheringDoneFunc
	onState     ComponentStateFunc

	connecting bool
	conn       *ice.Conn
	closed     bool
	wg         sync.WaitGroup
}

// NewAgent фабрика агентов pion, совместимая с Factory
func NewAgent(cfg Config) (Agent, error) {
	return NewPionAgent(cfg)
}

// NewPionAgent создает агента без потоков
func NewPionAgent(cfg Config) (*PionAgent, error) {
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = NewSlogLoggerFactory(cfg.Logger)
	}
	if len(cfg.NetworkTypes) == 0 {
		cfg.NetworkTypes = []ice.NetworkType{ice.NetworkTypeUDP4}
	}

	ctx, cancel := context.WithCancel(cfg.Context)

	return &PionAgent{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		logger: cfg.Logger.With(
			slog.String("component", "ice_agent"),
			slog.String("compatibility", cfg.Compatibility.String()),
		),
	}, nil
}

// SetStunServer задает STUN сервер host:port. Пустой host отключает STUN.
func (a *PionAgent) SetStunServer(host string, port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if host == "" {
		a.stunURL = nil
		return
	}

	uri, err := stun.ParseURI("stun:" + net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		a.logger.Warn("Некорректный адрес STUN сервера",
			slog.String("host", host),
			slog.Int("port", port),
			slog.String("error", err.Error()))
		return
	}
	a.stunURL = uri
}

// AddStream создает pion агент для единственного потока
func (a *PionAgent) AddStream(components int) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.agent != nil {
		return 0
	}
	if components != 1 {
		a.logger.Warn("Поддерживается только один компонент на поток", slog.Int("components", components))
		return 0
	}

	candidateTypes := []ice.CandidateType{ice.CandidateTypeHost}
	var urls []*stun.URI
	if a.stunURL != nil {
		urls = append(urls, a.stunURL)
		candidateTypes = append(candidateTypes, ice.CandidateTypeServerReflexive)
	}

	agent, err := ice.NewAgent(&ice.AgentConfig{
		Urls:             urls,
		NetworkTypes:     a.cfg.NetworkTypes,
		CandidateTypes:   candidateTypes,
		MulticastDNSMode: ice.MulticastDNSModeDisabled,
		IncludeLoopback:  a.cfg.IncludeLoopback,
		LoggerFactory:    a.cfg.LoggerFactory,
	})
	if err != nil {
		a.logger.Error("Ошибка создания ICE агента", slog.String("error", err.Error()))
		return 0
	}

	streamID := streamIDs.Add(1)

	if err := agent.OnCandidate(func(c ice.Candidate) {
		if c == nil {
			a.handleGatheringDone(streamID)
		}
	}); err != nil {
		a.logger.Error("Ошибка регистрации обработчика кандидатов", slog.String("error", err.Error()))
		_ = agent.Close()
		return 0
	}

	if err := agent.OnConnectionStateChange(func(s ice.ConnectionState) {
		a.handleStateChange(streamID, componentStateFromPion(s))
	}); err != nil {
		a.logger.Error("Ошибка регистрации обработчика состояния", slog.String("error", err.Error()))
		_ = agent.Close()
		return 0
	}

	a.agent = agent
	a.streamID = streamID
	a.logger = a.logger.With(slog.Uint64("stream_id", uint64(streamID)))

	return streamID
}

func (a *PionAgent) AttachReceive(streamID uint32, componentID uint16, fn ReceiveFunc) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkStream(streamID); err != nil {
		return err
	}
	if componentID != 1 {
		return fmt.Errorf("компонент %d не существует", componentID)
	}

	a.onReceive = fn
	return nil
}

func (a *PionAgent) GatherCandidates(streamID uint32) bool {
	a.mu.Lock()
	if err := a.checkStream(streamID); err != nil {
		a.mu.Unlock()
		return false
	}
	agent := a.agent
	a.mu.Unlock()

	if err := agent.GatherCandidates(); err != nil {
		a.logger.Warn("Не удалось запустить сбор кандидатов", slog.String("error", err.Error()))
		return false
	}
	return true
}

func (a *PionAgent) SetRole(controlling bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.controlling = controlling
}

func (a *PionAgent) SetRemoteCredentials(streamID uint32, ufrag, pwd string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkStream(streamID); err != nil {
		return err
	}
	if err := a.agent.SetRemoteCredentials(ufrag, pwd); err != nil {
		return fmt.Errorf("ошибка установки удаленных учетных данных: %w", err)
	}

	a.remoteUfrag = ufrag
	a.remotePwd = pwd
	a.startConnectivityLocked()
	return nil
}

func (a *PionAgent) SetRemoteCandidates(streamID uint32, componentID uint16, candidates []Candidate) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkStream(streamID); err != nil {
		return 0, err
	}

	added := 0
	for _, c := range candidates {
		component := c.ComponentID
		if component == 0 {
			component = componentID
		}

		// host кандидат pion не несет связанного адреса, база не передается
		if c.BaseAddress != "" {
			a.logger.Debug("Базовый адрес удаленного кандидата отброшен",
				slog.String("address", c.Address),
				slog.String("base_address", c.BaseAddress),
				slog.Int("base_port", c.BasePort))
		}

		host, err := ice.NewCandidateHost(&ice.CandidateHostConfig{
			Network:    "udp",
			Address:    c.Address,
			Port:       c.Port,
			Component:  component,
			Priority:   c.Priority,
			Foundation: c.Foundation,
		})
		if err != nil {
			a.logger.Warn("Пропущен удаленный кандидат",
				slog.String("address", c.Address),
				slog.Int("port", c.Port),
				slog.String("error", err.Error()))
			continue
		}

		if err := a.agent.AddRemoteCandidate(host); err != nil {
			a.logger.Warn("Агент отклонил удаленный кандидат",
				slog.String("address", c.Address),
				slog.String("error", err.Error()))
			continue
		}
		added++
	}

	a.remoteCount += added
	a.startConnectivityLocked()
	return added, nil
}

func (a *PionAgent) OnGatheringDone(fn GatheringDoneFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onGathering = fn
}

func (a *PionAgent) OnComponentStateChanged(fn ComponentStateFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onState = fn
}

func (a *PionAgent) LocalCredentials(streamID uint32) (string, string, error) {
	a.mu.Lock()
	if err := a.checkStream(streamID); err != nil {
		a.mu.Unlock()
		return "", "", err
	}
	agent := a.agent
	a.mu.Unlock()

	return agent.GetLocalUserCredentials()
}

func (a *PionAgent) LocalCandidates(streamID uint32) ([]Candidate, error) {
	a.mu.Lock()
	if err := a.checkStream(streamID); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	agent := a.agent
	a.mu.Unlock()

	local, err := agent.GetLocalCandidates()
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(local))
	for _, c := range local {
		cand := Candidate{
			Foundation:  c.Foundation(),
			ComponentID: c.Component(),
			StreamID:    streamID,
			Priority:    c.Priority(),
			Address:     c.Address(),
			Port:        c.Port(),
		}
		if rel := c.RelatedAddress(); rel != nil {
			cand.BaseAddress = rel.Address
			cand.BasePort = rel.Port
		}
		out = append(out, cand)
	}
	return out, nil
}

// Close останавливает агента. Повторный вызов безопасен.
// Нельзя вызывать из обработчиков самого агента.
func (a *PionAgent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	agent := a.agent
	a.mu.Unlock()

	a.cancel()

	var err error
	if agent != nil {
		err = agent.Close()
	}
	a.wg.Wait()

	return err
}

// Connected сообщает установлено ли соединение
func (a *PionAgent) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

// Write отправляет данные через установленное ICE соединение
func (a *PionAgent) Write(data []byte) (int, error) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()

	if conn == nil {
		return 0, fmt.Errorf("ICE соединение не установлено")
	}
	return conn.Write(data)
}

func (a *PionAgent) checkStream(streamID uint32) error {
	switch {
	case a.closed:
		return ErrAgentClosed
	case a.agent == nil:
		return ErrNoStream
	case streamID != a.streamID:
		return fmt.Errorf("%w: %d", ErrUnknownStream, streamID)
	}
	return nil
}

func (a *PionAgent) handleGatheringDone(streamID uint32) {
	a.mu.Lock()
	fn := a.onGathering
	a.mu.Unlock()

	a.logger.Debug("Сбор ICE кандидатов завершен")
	if fn != nil {
		fn(streamID)
	}
}

func (a *PionAgent) handleStateChange(streamID uint32, state ComponentState) {
	a.mu.Lock()
	fn := a.onState
	a.mu.Unlock()

	if fn != nil {
		fn(streamID, 1, state)
	}
}

// startConnectivityLocked запускает проверки связности, когда известны
// удаленные учетные данные и хотя бы один кандидат. Вызывается под a.mu.
func (a *PionAgent) startConnectivityLocked() {
	if a.connecting || a.closed || a.remoteUfrag == "" || a.remoteCount == 0 {
		return
	}
	a.connecting = true

	a.wg.Add(1)
	go a.connect(a.agent, a.streamID, a.controlling, a.remoteUfrag, a.remotePwd)
}

func (a *PionAgent) connect(agent *ice.Agent, streamID uint32, controlling bool, ufrag, pwd string) {
	defer a.wg.Done()

	var (
		conn *ice.Conn
		err  error
	)
	if controlling {
		conn, err = agent.Dial(a.ctx, ufrag, pwd)
	} else {
		conn, err = agent.Accept(a.ctx, ufrag, pwd)
	}
	if err != nil {
		if a.ctx.Err() == nil {
			a.logger.Warn("ICE соединение не установлено",
				slog.Bool("controlling", controlling),
				slog.String("error", err.Error()))
		}
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.conn = conn
	a.mu.Unlock()

	a.logger.Info("ICE соединение установлено", slog.Bool("controlling", controlling))

	buf := make([]byte, receiveMTU)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}

		a.mu.Lock()
		fn := a.onReceive
		a.mu.Unlock()

		if fn != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			fn(streamID, 1, data)
		}
	}
}
