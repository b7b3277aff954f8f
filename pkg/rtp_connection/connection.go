// Package rtp_connection реализует установление RTP соединения: пару ICE
// агентов, согласование локальной и удаленной спецификаций сессии и пару
// конечных точек медиа (receiver и sender).
//
// Жизненный цикл соединения:
//
//	rt := rtp_connection.NewRuntime()
//	conn, err := rtp_connection.NewRtpConnection(rt, localSpec, rtp_connection.DefaultConfig())
//	err = conn.ConnectToRemote(remoteSpec, true)
//	sink, _ := conn.MediaSink()
//	defer conn.Close()
package rtp_connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/arzzra/rtp_connection/pkg/rtp_endpoint"
	"github.com/arzzra/rtp_connection/pkg/session_spec"
)

// ConnectionState состояние жизненного цикла соединения
type ConnectionState int

const (
	StateConstructing ConnectionState = iota
	StateReady
	StateNegotiated
	StateDisposed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConstructing:
		return "constructing"
	case StateReady:
		return "ready"
	case StateNegotiated:
		return "negotiated"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

func parseConnectionState(s string) ConnectionState {
	switch s {
	case "ready":
		return StateReady
	case "negotiated":
		return StateNegotiated
	case "disposed":
		return StateDisposed
	default:
		return StateConstructing
	}
}

// События конечного автомата
const (
	eventReady     = "ready"
	eventNegotiate = "negotiate"
	eventDispose   = "dispose"
)

// SourceProvider выдает источник медиа соединения
type SourceProvider interface {
	MediaSource() (MediaSource, bool)
}

// SinkProvider выдает приемник медиа соединения
type SinkProvider interface {
	MediaSink() (MediaSink, bool)
}

// Connection публичный контракт RTP соединения
type Connection interface {
	SourceProvider
	SinkProvider

	ID() string
	State() ConnectionState
	ConnectToRemote(remote *session_spec.SessionSpec, localIsOfferer bool) error
	LocalSpec() *session_spec.SessionSpec
	Descriptor() *session_spec.SessionSpec
	RemoteSpec() *session_spec.SessionSpec
	NegotiatedLocalSpec() *session_spec.SessionSpec
	NegotiatedRemoteSpec() *session_spec.SessionSpec
	ModeChanged(mode session_spec.Direction, kind session_spec.MediaKind) error
	Close() error
}

var _ Connection = (*RtpConnection)(nil)

// RtpConnection соединение, объединяющее ICE координатор, согласование
// спецификаций и пару конечных точек медиа.
//
// Все слоты состояния защищены одним мьютексом. Вызовы согласования,
// ICE агентов и конечных точек под этим мьютексом не обращаются обратно
// к соединению.
type RtpConnection struct {
	id        string
	rt        *Runtime
	cfg       Config
	logger    *slog.Logger
	createdAt time.Time

	mu sync.Mutex

	localSpec        *session_spec.SessionSpec
	remoteSpec       *session_spec.SessionSpec
	negotiatedLocal  *session_spec.SessionSpec
	negotiatedRemote *session_spec.SessionSpec
	descriptor       *session_spec.SessionSpec
	receiver         MediaSource
	sender           MediaSink
	ice              *IceCoordinator
	stateMachine     *fsm.FSM
}

// NewRtpConnection создает соединение с локальной спецификацией.
//
// Создает и инициализирует ICE агентов (блокируется до завершения сбора
// кандидатов или таймаута) и источник медиа. Сбой ICE не прерывает создание,
// если Config.FailOnIceError не задан: соединение работает без агентов.
//
// Паникует, если среда выполнения не инициализирована.
func NewRtpConnection(rt *Runtime, localSpec *session_spec.SessionSpec, cfg Config) (*RtpConnection, error) {
	if !rt.Initialized() {
		panic(NewConnectionError(ErrorCodeNotYetInitialized,
			"среда выполнения должна быть инициализирована до создания соединения"))
	}

	id := uuid.NewString()

	if err := cfg.Validate(); err != nil {
		return nil, WrapConnectionError(ErrorCodeInvalidArgumentType, id, err, "неверная конфигурация")
	}
	if err := localSpec.Validate(); err != nil {
		return nil, WrapConnectionError(ErrorCodeInvalidArgumentType, id, err, "невалидная локальная спецификация")
	}

	c := &RtpConnection{
		id:        id,
		rt:        rt,
		cfg:       cfg,
		logger:    rt.logger.With(slog.String("component", "rtp_connection"), slog.String("connection_id", id)),
		createdAt: time.Now(),
		localSpec: localSpec,
	}
	// до согласования дескриптор совпадает с локальной спецификацией
	c.descriptor = localSpec
	c.initStateMachine()

	c.ice = newIceCoordinator(id, rt, cfg, c.logger)
	if err := c.ice.Initialize(rt.ctx); err != nil {
		if cfg.FailOnIceError {
			return nil, err
		}
		c.logger.Warn("ICE недоступен, соединение продолжит работу без ICE",
			slog.String("error", err.Error()))
	}

	receiver, err := rt.receiverFactory(rtp_endpoint.ReceiverConfig{
		LocalSpec:  localSpec,
		AudioAgent: c.ice.Agent(session_spec.MediaKindAudio),
		VideoAgent: c.ice.Agent(session_spec.MediaKindVideo),
		LocalIP:    cfg.LocalIP,
		Socket:     cfg.socketOptions(),
		Logger:     c.logger,
	})
	if err != nil {
		c.ice.Close()
		return nil, WrapConnectionError(ErrorCodeEndpointCreation, id, err, "не удалось создать источник медиа")
	}
	c.receiver = receiver

	c.fireEvent(eventReady)
	rt.metrics.connectionCreated()

	c.logger.Info("RTP соединение создано",
		slog.Int("media_count", localSpec.MediaCount()),
		slog.Bool("ice", c.ice.Ready()))

	return c, nil
}

func (c *RtpConnection) initStateMachine() {
	c.stateMachine = fsm.NewFSM(
		StateConstructing.String(),
		fsm.Events{
			{Name: eventReady, Src: []string{StateConstructing.String()}, Dst: StateReady.String()},
			{Name: eventNegotiate, Src: []string{StateReady.String()}, Dst: StateNegotiated.String()},
			{Name: eventDispose, Src: []string{
				StateConstructing.String(), StateReady.String(), StateNegotiated.String(),
			}, Dst: StateDisposed.String()},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				c.logger.Debug("Состояние соединения изменилось",
					slog.String("event", e.Event),
					slog.String("from", e.Src),
					slog.String("to", e.Dst))
			},
		},
	)
}

func (c *RtpConnection) fireEvent(event string) {
	if err := c.stateMachine.Event(context.Background(), event); err != nil {
		c.logger.Error("Недопустимый переход состояния",
			slog.String("event", event),
			slog.String("state", c.stateMachine.Current()),
			slog.String("error", err.Error()))
	}
}

// ID уникальный идентификатор соединения
func (c *RtpConnection) ID() string {
	return c.id
}

// CreatedAt время создания соединения
func (c *RtpConnection) CreatedAt() time.Time {
	return c.createdAt
}

// State текущее состояние соединения
func (c *RtpConnection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return parseConnectionState(c.stateMachine.Current())
}

// ConnectToRemote согласует локальную спецификацию с удаленной и завершает
// настройку соединения. localIsOfferer определяет порядок аргументов
// согласования и роль ICE агентов (предлагающая сторона controlling).
//
// Операция выполняется целиком или не выполняется: при ошибке ни один слот
// соединения не меняется. Повторный вызов возвращает AlreadyNegotiated.
func (c *RtpConnection) ConnectToRemote(remote *session_spec.SessionSpec, localIsOfferer bool) error {
	if remote == nil {
		c.rt.metrics.negotiation(negotiationInvalid)
		return NewConnectionErrorWithID(ErrorCodeInvalidArgumentType, c.id, "удаленная спецификация не задана")
	}
	if err := remote.Validate(); err != nil {
		c.rt.metrics.negotiation(negotiationInvalid)
		return WrapConnectionError(ErrorCodeInvalidArgumentType, c.id, err, "невалидная удаленная спецификация")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isDisposedLocked() {
		return NewConnectionErrorWithID(ErrorCodeDisposed, c.id, "соединение закрыто")
	}
	if c.remoteSpec != nil {
		c.rt.metrics.negotiation(negotiationRepeated)
		return NewConnectionErrorWithID(ErrorCodeAlreadyNegotiated, c.id, "удаленная спецификация уже задана")
	}

	// Результаты согласования закрепляются за своей стороной
	var negLocal, negRemote *session_spec.SessionSpec
	var err error
	if localIsOfferer {
		negLocal, negRemote, err = c.rt.negotiator.Intersect(c.localSpec, remote)
	} else {
		negRemote, negLocal, err = c.rt.negotiator.Intersect(remote, c.localSpec)
	}
	if err == nil && (negLocal == nil || negRemote == nil) {
		err = session_spec.ErrInvalidSpec
	}
	if err != nil {
		c.rt.metrics.negotiation(negotiationFailed)
		return WrapConnectionError(ErrorCodeNegotiationFailed, c.id, err, "ошибка согласования спецификаций")
	}

	sender, err := c.rt.senderFactory(rtp_endpoint.SenderConfig{
		RemoteSpec: negRemote,
		AudioFD:    c.receiver.AudioFD(),
		VideoFD:    c.receiver.VideoFD(),
		Logger:     c.logger,
	})
	if err != nil {
		c.rt.metrics.negotiation(negotiationFailed)
		return WrapConnectionError(ErrorCodeEndpointCreation, c.id, err, "не удалось создать приемник медиа")
	}

	c.remoteSpec = remote
	c.negotiatedLocal = negLocal
	c.negotiatedRemote = negRemote

	accepted := c.ice.ConfigureRemote(remote, localIsOfferer)

	c.descriptor = negLocal
	c.receiver.SetLocalSpec(negLocal)
	c.sender = sender

	c.fireEvent(eventNegotiate)
	c.rt.metrics.negotiation(negotiationOK)

	c.logger.Info("Соединение согласовано",
		slog.Bool("offerer", localIsOfferer),
		slog.Int("audio_candidates", accepted[session_spec.MediaKindAudio]),
		slog.Int("video_candidates", accepted[session_spec.MediaKindVideo]))

	return nil
}

// LocalIceSpec описание сессии для отправки удаленной стороне: дескриптор,
// в котором линии аудио и видео без ICE дополнены данными локальных агентов.
// Без агентов возвращается сам дескриптор.
func (c *RtpConnection) LocalIceSpec() (*session_spec.SessionSpec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isDisposedLocked() {
		return nil, NewConnectionErrorWithID(ErrorCodeDisposed, c.id, "соединение закрыто")
	}
	if !c.ice.Ready() {
		return c.descriptor, nil
	}

	medias := c.descriptor.Medias()
	for i := range medias {
		media := &medias[i]
		if media.Rejected() || media.HasIce() {
			continue
		}
		transport, err := c.ice.LocalTransport(media.Kind)
		if err != nil {
			return nil, WrapConnectionError(ErrorCodeIceSetupFailed, c.id, err,
				"не удалось получить локальные ICE данные %s", media.Kind)
		}
		media.Transport.Ice = transport
	}

	return session_spec.NewSessionSpec(c.descriptor.ID(), c.descriptor.Version(), medias...), nil
}

// LocalSpec исходная локальная спецификация
func (c *RtpConnection) LocalSpec() *session_spec.SessionSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localSpec
}

// Descriptor текущее описание сессии: локальная спецификация до
// согласования и согласованная локальная после.
func (c *RtpConnection) Descriptor() *session_spec.SessionSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.descriptor
}

func (c *RtpConnection) RemoteSpec() *session_spec.SessionSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSpec
}

func (c *RtpConnection) NegotiatedLocalSpec() *session_spec.SessionSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.negotiatedLocal
}

func (c *RtpConnection) NegotiatedRemoteSpec() *session_spec.SessionSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.negotiatedRemote
}

// MediaSource источник медиа; false после закрытия
func (c *RtpConnection) MediaSource() (MediaSource, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.receiver == nil {
		return nil, false
	}
	return c.receiver, true
}

// MediaSink приемник медиа; false до согласования и после закрытия
func (c *RtpConnection) MediaSink() (MediaSink, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sender == nil {
		return nil, false
	}
	return c.sender, true
}

// IceCoordinator координатор ICE; nil после закрытия
func (c *RtpConnection) IceCoordinator() *IceCoordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ice
}

// ModeChanged уведомление о смене направления медиа. Пока только проверяет
// аргументы и логирует; пересогласование не выполняется.
func (c *RtpConnection) ModeChanged(mode session_spec.Direction, kind session_spec.MediaKind) error {
	if !mode.Valid() {
		return NewConnectionErrorWithID(ErrorCodeInvalidArgumentType, c.id, "неизвестное направление %d", int(mode))
	}
	switch kind {
	case session_spec.MediaKindAudio, session_spec.MediaKindVideo, session_spec.MediaKindOther:
	default:
		return NewConnectionErrorWithID(ErrorCodeInvalidArgumentType, c.id, "неизвестный тип медиа %d", int(kind))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isDisposedLocked() {
		return NewConnectionErrorWithID(ErrorCodeDisposed, c.id, "соединение закрыто")
	}

	c.logger.Debug("Направление медиа изменилось",
		slog.String("media", kind.String()),
		slog.String("mode", mode.String()))
	return nil
}

// Close освобождает ресурсы соединения: спецификации, источник медиа,
// приемник медиа и ICE агентов, в этом порядке. Источник и приемник
// останавливаются до освобождения. Повторный вызов безопасен.
func (c *RtpConnection) Close() error {
	c.mu.Lock()
	if c.isDisposedLocked() {
		c.mu.Unlock()
		return nil
	}

	c.localSpec = nil
	c.remoteSpec = nil
	c.negotiatedLocal = nil
	c.negotiatedRemote = nil
	c.descriptor = nil

	receiver := c.receiver
	sender := c.sender
	coordinator := c.ice
	c.receiver = nil
	c.sender = nil
	c.ice = nil

	c.fireEvent(eventDispose)
	c.mu.Unlock()

	// обработчики пакетов могут обращаться к соединению,
	// поэтому остановка идет без блокировки
	if receiver != nil {
		receiver.Terminate()
	}
	if sender != nil {
		sender.Terminate()
	}
	if coordinator != nil {
		coordinator.Close()
	}

	c.rt.metrics.connectionClosed()
	c.logger.Info("RTP соединение закрыто", slog.Duration("lifetime", time.Since(c.createdAt)))
	return nil
}

func (c *RtpConnection) isDisposedLocked() bool {
	return c.stateMachine.Current() == StateDisposed.String()
}
