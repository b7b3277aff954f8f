// Package ice_agent описывает ICE агент, которым пользуется RTP соединение,
// и его реализацию поверх github.com/pion/ice/v4.
//
// Соединение работает только через интерфейс Agent: один агент на тип медиа,
// один поток с одним компонентом на агента. Это позволяет подменять агента
// в тестах и не зависеть от деталей ICE движка.
package ice_agent

import (
	"context"
	"log/slog"

	"github.com/pion/ice/v4"
	"github.com/pion/logging"
)

// Compatibility профиль совместимости ICE
type Compatibility int

const (
	CompatibilityRFC5245 Compatibility = iota // Классический ICE
	CompatibilityRFC8445                      // ICE по RFC 8445
)

func (c Compatibility) String() string {
	switch c {
	case CompatibilityRFC5245:
		return "rfc5245"
	case CompatibilityRFC8445:
		return "rfc8445"
	default:
		return "unknown"
	}
}

// ParseCompatibility разбирает имя профиля из конфигурации
func ParseCompatibility(s string) (Compatibility, bool) {
	switch s {
	case "rfc5245", "RFC5245", "":
		return CompatibilityRFC5245, true
	case "rfc8445", "RFC8445":
		return CompatibilityRFC8445, true
	default:
		return CompatibilityRFC5245, false
	}
}

// ComponentState состояние компонента ICE потока
type ComponentState int

const (
	ComponentStateNew ComponentState = iota
	ComponentStateChecking
	ComponentStateConnected
	ComponentStateCompleted
	ComponentStateFailed
	ComponentStateDisconnected
	ComponentStateClosed
)

func (s ComponentState) String() string {
	switch s {
	case ComponentStateNew:
		return "new"
	case ComponentStateChecking:
		return "checking"
	case ComponentStateConnected:
		return "connected"
	case ComponentStateCompleted:
		return "completed"
	case ComponentStateFailed:
		return "failed"
	case ComponentStateDisconnected:
		return "disconnected"
	case ComponentStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func componentStateFromPion(s ice.ConnectionState) ComponentState {
	switch s {
	case ice.ConnectionStateNew:
		return ComponentStateNew
	case ice.ConnectionStateChecking:
		return ComponentStateChecking
	case ice.ConnectionStateConnected:
		return ComponentStateConnected
	case ice.ConnectionStateCompleted:
		return ComponentStateCompleted
	case ice.ConnectionStateFailed:
		return ComponentStateFailed
	case ice.ConnectionStateDisconnected:
		return ComponentStateDisconnected
	default:
		return ComponentStateClosed
	}
}

// Candidate host кандидат удаленной стороны
type Candidate struct {
	Foundation  string
	ComponentID uint16
	StreamID    uint32
	Priority    uint32
	Address     string
	Port        int
	BaseAddress string
	BasePort    int
}

// ReceiveFunc обработчик данных, полученных компонентом
type ReceiveFunc func(streamID uint32, componentID uint16, data []byte)

// GatheringDoneFunc уведомление о завершении сбора кандидатов
type GatheringDoneFunc func(streamID uint32)

// ComponentStateFunc уведомление об изменении состояния компонента
type ComponentStateFunc func(streamID uint32, componentID uint16, state ComponentState)

// Agent ICE агент одного типа медиа
type Agent interface {
	// SetStunServer задает STUN сервер; вызывается до AddStream
	SetStunServer(host string, port int)

	// AddStream добавляет поток и возвращает его идентификатор, 0 при ошибке
	AddStream(components int) uint32

	AttachReceive(streamID uint32, componentID uint16, fn ReceiveFunc) error

	// GatherCandidates запускает асинхронный сбор кандидатов,
	// false если запуск сразу не удался
	GatherCandidates(streamID uint32) bool

	// SetRole задает роль агента (controlling/controlled) до проверок связности
	SetRole(controlling bool)

	SetRemoteCredentials(streamID uint32, ufrag, pwd string) error

	// SetRemoteCandidates передает агенту весь список кандидатов, возвращает число принятых
	SetRemoteCandidates(streamID uint32, componentID uint16, candidates []Candidate) (int, error)

	OnGatheringDone(fn GatheringDoneFunc)
	OnComponentStateChanged(fn ComponentStateFunc)

	LocalCredentials(streamID uint32) (ufrag, pwd string, err error)
	LocalCandidates(streamID uint32) ([]Candidate, error)

	Close() error
}

// Config параметры создания агента
type Config struct {
	// Context контекст событий агента; отмена останавливает фоновые горутины
	Context       context.Context
	Compatibility Compatibility

	// NetworkTypes ограничивает типы сетей, по умолчанию UDP4
	NetworkTypes []ice.NetworkType

	// IncludeLoopback разрешает loopback кандидаты (тесты, локальные стенды)
	IncludeLoopback bool

	LoggerFactory logging.LoggerFactory
	Logger        *slog.Logger
}

// Factory создает агента
type Factory func(cfg Config) (Agent, error)
