package rtp_connection

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/arzzra/rtp_connection/pkg/session_spec"
)

// ManagerConfig конфигурация менеджера соединений
type ManagerConfig struct {
	// MaxConnections ограничивает число одновременных соединений
	MaxConnections int

	// PortRange диапазон портов для AllocatePort
	PortRange PortRange

	// Connection конфигурация создаваемых соединений
	Connection Config

	OnConnectionCreated func(id string, conn *RtpConnection)
	OnConnectionClosed  func(id string)
}

// DefaultManagerConfig возвращает конфигурацию менеджера по умолчанию
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxConnections: 100,
		PortRange:      PortRange{Min: 10000, Max: 20000},
		Connection:     DefaultConfig(),
	}
}

// ManagerStatistics статистика менеджера
type ManagerStatistics struct {
	TotalConnections  uint64
	ActiveConnections int
	Negotiated        int
	MaxConnections    int
	UsedPorts         int
}

// Manager реестр RTP соединений процесса
type Manager struct {
	rt     *Runtime
	config ManagerConfig
	ports  *PortAllocator
	logger *slog.Logger

	connections map[string]*RtpConnection
	// порты, выделенные менеджером под медиа линии соединения
	connPorts map[string][]int
	// число соединений, использующих выделенный порт
	portRefs map[int]int
	// создаваемые соединения учитываются в лимите
	pending int
	mutex   sync.RWMutex

	totalConnections uint64
}

// NewManager создает менеджер соединений
func NewManager(rt *Runtime, config ManagerConfig) (*Manager, error) {
	if !rt.Initialized() {
		return nil, NewConnectionError(ErrorCodeNotYetInitialized, "среда выполнения не инициализирована")
	}
	if config.MaxConnections <= 0 {
		return nil, fmt.Errorf("MaxConnections должен быть положительным")
	}
	if err := config.Connection.Validate(); err != nil {
		return nil, err
	}

	ports, err := NewPortAllocator(config.PortRange)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания аллокатора портов: %w", err)
	}

	return &Manager{
		rt:          rt,
		config:      config,
		ports:       ports,
		logger:      rt.logger.With(slog.String("component", "rtp_connection_manager")),
		connections: make(map[string]*RtpConnection),
		connPorts:   make(map[string][]int),
		portRefs:    make(map[int]int),
	}, nil
}

// AllocatePort выделяет порт медиа линии на host. Порт освобождается при
// закрытии соединения, в локальной спецификации которого он указан, или
// через ReleasePort.
func (m *Manager) AllocatePort(host string) (int, error) {
	return m.ports.Allocate(host)
}

// ReleasePort освобождает порт, не попавший в соединение
func (m *Manager) ReleasePort(port int) {
	m.ports.Release(port)
}

// CreateConnection создает соединение. Создание блокируется на время сбора
// ICE кандидатов и выполняется без блокировки менеджера.
func (m *Manager) CreateConnection(localSpec *session_spec.SessionSpec) (*RtpConnection, error) {
	m.mutex.Lock()
	if len(m.connections)+m.pending >= m.config.MaxConnections {
		m.mutex.Unlock()
		return nil, fmt.Errorf("достигнут лимит соединений: %d", m.config.MaxConnections)
	}
	m.pending++
	m.mutex.Unlock()

	conn, err := NewRtpConnection(m.rt, localSpec, m.config.Connection)

	m.mutex.Lock()
	m.pending--
	if err != nil {
		m.mutex.Unlock()
		return nil, err
	}

	id := conn.ID()
	m.connections[id] = conn
	m.connPorts[id] = m.claimPorts(id, localSpec)
	m.totalConnections++
	m.mutex.Unlock()

	m.logger.Debug("Соединение зарегистрировано", slog.String("connection_id", id))

	if m.config.OnConnectionCreated != nil {
		m.config.OnConnectionCreated(id, conn)
	}
	return conn, nil
}

// claimPorts учитывает выделенные менеджером порты медиа линий соединения.
// Порт освобождается, когда закрыто последнее использующее его соединение.
// Вызывается под m.mutex.
func (m *Manager) claimPorts(id string, spec *session_spec.SessionSpec) []int {
	var owned []int
	for _, media := range spec.Medias() {
		port := media.Transport.Port
		if !m.ports.InUse(port) || slices.Contains(owned, port) {
			continue
		}
		if m.portRefs[port] > 0 {
			m.logger.Debug("Порт используется несколькими соединениями",
				slog.Int("port", port),
				slog.String("connection_id", id))
		}
		m.portRefs[port]++
		owned = append(owned, port)
	}
	return owned
}

// GetConnection возвращает соединение по ID
func (m *Manager) GetConnection(id string) (*RtpConnection, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	conn, exists := m.connections[id]
	return conn, exists
}

// RemoveConnection закрывает и удаляет соединение
func (m *Manager) RemoveConnection(id string) error {
	m.mutex.Lock()
	conn, exists := m.connections[id]
	if !exists {
		m.mutex.Unlock()
		return fmt.Errorf("соединение с ID %s не найдено", id)
	}
	delete(m.connections, id)
	var released []int
	for _, port := range m.connPorts[id] {
		m.portRefs[port]--
		if m.portRefs[port] <= 0 {
			delete(m.portRefs, port)
			released = append(released, port)
		}
	}
	delete(m.connPorts, id)
	m.mutex.Unlock()

	err := conn.Close()
	for _, port := range released {
		m.ports.Release(port)
	}

	if m.config.OnConnectionClosed != nil {
		m.config.OnConnectionClosed(id)
	}
	return err
}

// ListConnections возвращает ID зарегистрированных соединений
func (m *Manager) ListConnections() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	ids := make([]string, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	return ids
}

// Count возвращает количество соединений
func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.connections)
}

// GetStatistics возвращает статистику менеджера
func (m *Manager) GetStatistics() ManagerStatistics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	negotiated := 0
	for _, conn := range m.connections {
		if conn.State() == StateNegotiated {
			negotiated++
		}
	}

	return ManagerStatistics{
		TotalConnections:  m.totalConnections,
		ActiveConnections: len(m.connections),
		Negotiated:        negotiated,
		MaxConnections:    m.config.MaxConnections,
		UsedPorts:         m.ports.Used(),
	}
}

// CloseAll закрывает все соединения
func (m *Manager) CloseAll() error {
	var errs []error
	for _, id := range m.ListConnections() {
		if err := m.RemoveConnection(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
