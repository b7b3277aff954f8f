package rtp_connection

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/rtp_connection/pkg/ice_agent"
	"github.com/arzzra/rtp_connection/pkg/rtp_endpoint"
	"github.com/arzzra/rtp_connection/pkg/session_spec"
)

// MediaSource источник медиа соединения (receiver)
type MediaSource interface {
	LocalSpec() *session_spec.SessionSpec
	// SetLocalSpec обновляет спецификацию без пересоздания источника
	SetLocalSpec(spec *session_spec.SessionSpec)
	// AudioFD и VideoFD экспортируемые дескрипторы сокетов, -1 если нет
	AudioFD() int
	VideoFD() int
	// Terminate останавливает выдачу медиа перед освобождением
	Terminate()
}

// MediaSink приемник медиа соединения (sender)
type MediaSink interface {
	WritePacket(kind session_spec.MediaKind, packet *rtp.Packet) error
	// Terminate останавливает потребление медиа перед освобождением
	Terminate()
}

// ReceiverFactory создает источник медиа
type ReceiverFactory func(cfg rtp_endpoint.ReceiverConfig) (MediaSource, error)

// SenderFactory создает приемник медиа
type SenderFactory func(cfg rtp_endpoint.SenderConfig) (MediaSink, error)

// ComponentStateHandler уведомление об изменении состояния ICE компонента соединения
type ComponentStateHandler func(connectionID string, kind session_spec.MediaKind, streamID uint32, componentID uint16, state ice_agent.ComponentState)

// DefaultReceiverFactory создает rtp_endpoint.Receiver
func DefaultReceiverFactory(cfg rtp_endpoint.ReceiverConfig) (MediaSource, error) {
	r, err := rtp_endpoint.NewReceiver(cfg)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// DefaultSenderFactory создает rtp_endpoint.Sender
func DefaultSenderFactory(cfg rtp_endpoint.SenderConfig) (MediaSink, error) {
	s, err := rtp_endpoint.NewSender(cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Runtime общая инфраструктура процесса, которая должна существовать до
// создания любого соединения: контекст событий ICE агентов, фабрики
// агентов и конечных точек, согласование, метрики и логгер.
type Runtime struct {
	ctx    context.Context
	cancel context.CancelFunc

	agentFactory    ice_agent.Factory
	negotiator      session_spec.Negotiator
	receiverFactory ReceiverFactory
	senderFactory   SenderFactory
	metrics         *Metrics
	logger          *slog.Logger
	onComponent     ComponentStateHandler

	initialized atomic.Bool
}

// RuntimeOption настройка Runtime
type RuntimeOption func(*Runtime)

// WithContext задает родительский контекст событий
func WithContext(ctx context.Context) RuntimeOption {
	return func(rt *Runtime) { rt.ctx = ctx }
}

func WithAgentFactory(f ice_agent.Factory) RuntimeOption {
	return func(rt *Runtime) { rt.agentFactory = f }
}

func WithNegotiator(n session_spec.Negotiator) RuntimeOption {
	return func(rt *Runtime) { rt.negotiator = n }
}

func WithReceiverFactory(f ReceiverFactory) RuntimeOption {
	return func(rt *Runtime) { rt.receiverFactory = f }
}

func WithSenderFactory(f SenderFactory) RuntimeOption {
	return func(rt *Runtime) { rt.senderFactory = f }
}

// WithMetrics задает метрики; по умолчанию метрики регистрируются в отдельном реестре
func WithMetrics(m *Metrics) RuntimeOption {
	return func(rt *Runtime) { rt.metrics = m }
}

func WithLogger(l *slog.Logger) RuntimeOption {
	return func(rt *Runtime) { rt.logger = l }
}

// WithComponentStateHandler подписывает на изменения состояния ICE компонентов
func WithComponentStateHandler(h ComponentStateHandler) RuntimeOption {
	return func(rt *Runtime) { rt.onComponent = h }
}

// NewRuntime создает и инициализирует среду выполнения
func NewRuntime(opts ...RuntimeOption) *Runtime {
	rt := &Runtime{}
	for _, opt := range opts {
		opt(rt)
	}

	if rt.ctx == nil {
		rt.ctx = context.Background()
	}
	rt.ctx, rt.cancel = context.WithCancel(rt.ctx)

	if rt.agentFactory == nil {
		rt.agentFactory = ice_agent.NewAgent
	}
	if rt.negotiator == nil {
		rt.negotiator = session_spec.DefaultNegotiator
	}
	if rt.receiverFactory == nil {
		rt.receiverFactory = DefaultReceiverFactory
	}
	if rt.senderFactory == nil {
		rt.senderFactory = DefaultSenderFactory
	}
	if rt.logger == nil {
		rt.logger = slog.Default()
	}
	if rt.metrics == nil {
		rt.metrics = NewMetrics(prometheus.NewRegistry())
	}

	rt.initialized.Store(true)
	return rt
}

// Initialized сообщает готова ли среда к созданию соединений
func (rt *Runtime) Initialized() bool {
	return rt != nil && rt.initialized.Load()
}

// Context контекст событий среды
func (rt *Runtime) Context() context.Context {
	return rt.ctx
}

// Metrics метрики среды
func (rt *Runtime) Metrics() *Metrics {
	return rt.metrics
}

// Close отменяет контекст событий. Соединения, созданные ранее, нужно закрыть отдельно.
func (rt *Runtime) Close() {
	if !rt.initialized.CompareAndSwap(true, false) {
		return
	}
	rt.cancel()
}
