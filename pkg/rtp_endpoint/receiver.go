// Package rtp_endpoint реализует пару медиа конечных точек RTP соединения:
// Receiver (источник медиа) и Sender (приемник медиа).
//
// Receiver создается вместе с соединением из локальной спецификации и
// открывает по одному UDP сокету на аудио и видео линию. Дескрипторы этих
// сокетов экспортируются, и Sender, который создается только после
// согласования, отправляет пакеты с тех же локальных портов (symmetric RTP)
// через собственные копии дескрипторов.
package rtp_endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/arzzra/rtp_connection/pkg/ice_agent"
	"github.com/arzzra/rtp_connection/pkg/session_spec"
)

// PacketHandler обработчик принятых RTP пакетов
type PacketHandler func(kind session_spec.MediaKind, packet *rtp.Packet, from net.Addr)

// RTCPHandler обработчик принятых RTCP пакетов (rtcp-mux)
type RTCPHandler func(kind session_spec.MediaKind, packets []rtcp.Packet, from net.Addr)

// ReceiverConfig параметры Receiver
type ReceiverConfig struct {
	LocalSpec *session_spec.SessionSpec

	// ICE агенты по типам медиа; Receiver их не закрывает, может быть nil
	AudioAgent ice_agent.Agent
	VideoAgent ice_agent.Agent

	// LocalIP адрес привязки сокетов, по умолчанию адрес медиа линии
	LocalIP string

	Socket SocketOptions
	Logger *slog.Logger
}

// ReceiverStatistics статистика приема одной медиа линии
type ReceiverStatistics struct {
	PacketsReceived uint64
	BytesReceived   uint64
	PacketsInvalid  uint64
	RTCPReceived    uint64
	LastSSRC        uint32
	LastSequence    uint16
	LastPacketAt    time.Time
}

type receiveStream struct {
	kind  session_spec.MediaKind
	conn  *net.UDPConn
	fd    int
	stats ReceiverStatistics
}

// Receiver источник медиа соединения
type Receiver struct {
	mu sync.RWMutex

	localSpec  *session_spec.SessionSpec
	audioAgent ice_agent.Agent
	videoAgent ice_agent.Agent
	streams    map[session_spec.MediaKind]*receiveStream

	onPacket PacketHandler
	onRTCP   RTCPHandler

	bufferSize int
	terminated bool
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	logger     *slog.Logger
}

// NewReceiver открывает сокеты для аудио и видео линий локальной спецификации.
// Отклоненные линии (порт 0) и прочие типы медиа пропускаются.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	if cfg.LocalSpec == nil {
		return nil, fmt.Errorf("локальная спецификация обязательна")
	}
	if err := cfg.Socket.Validate(); err != nil {
		return nil, fmt.Errorf("неверные параметры сокета: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Receiver{
		localSpec:  cfg.LocalSpec,
		audioAgent: cfg.AudioAgent,
		videoAgent: cfg.VideoAgent,
		streams:    make(map[session_spec.MediaKind]*receiveStream),
		bufferSize: cfg.Socket.bufferSize(),
		ctx:        ctx,
		cancel:     cancel,
		logger:     cfg.Logger.With(slog.String("component", "rtp_receiver")),
	}

	for _, m := range cfg.LocalSpec.Medias() {
		if m.Kind == session_spec.MediaKindOther || m.Rejected() {
			continue
		}
		if _, exists := r.streams[m.Kind]; exists {
			continue
		}

		host := cfg.LocalIP
		if host == "" {
			host = m.Transport.Address
		}

		stream, err := r.openStream(m.Kind, host, m.Transport.Port, cfg.Socket)
		if err != nil {
			r.closeStreams()
			cancel()
			return nil, fmt.Errorf("ошибка открытия %s сокета: %w", m.Kind, err)
		}
		r.streams[m.Kind] = stream
	}

	for _, s := range r.streams {
		r.wg.Add(1)
		go r.readLoop(s)
	}

	return r, nil
}

func (r *Receiver) openStream(kind session_spec.MediaKind, host string, port int, opts SocketOptions) (*receiveStream, error) {
	addr, err := resolveUDPAddr(host, port)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP соединения: %w", err)
	}

	if err := applySocketOptions(conn, opts); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка настройки сокета: %w", err)
	}

	fd, err := socketFD(conn)
	if err != nil {
		r.logger.Warn("Дескриптор сокета недоступен",
			slog.String("media", kind.String()),
			slog.String("error", err.Error()))
	}

	r.logger.Debug("Сокет приема открыт",
		slog.String("media", kind.String()),
		slog.String("local_addr", conn.LocalAddr().String()))

	return &receiveStream{kind: kind, conn: conn, fd: fd}, nil
}

// OnPacket задает обработчик RTP пакетов
func (r *Receiver) OnPacket(handler PacketHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPacket = handler
}

// OnRTCP задает обработчик RTCP пакетов
func (r *Receiver) OnRTCP(handler RTCPHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRTCP = handler
}

// SetLocalSpec обновляет локальную спецификацию без пересоздания сокетов
func (r *Receiver) SetLocalSpec(spec *session_spec.SessionSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.terminated || spec == nil {
		return
	}
	r.localSpec = spec
}

// LocalSpec текущая локальная спецификация
func (r *Receiver) LocalSpec() *session_spec.SessionSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localSpec
}

// Agents ICE агенты, с которыми создан Receiver
func (r *Receiver) Agents() (audio, video ice_agent.Agent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.audioAgent, r.videoAgent
}

// AudioFD дескриптор аудио сокета или -1
func (r *Receiver) AudioFD() int {
	return r.fd(session_spec.MediaKindAudio)
}

// VideoFD дескриптор видео сокета или -1
func (r *Receiver) VideoFD() int {
	return r.fd(session_spec.MediaKindVideo)
}

func (r *Receiver) fd(kind session_spec.MediaKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.streams[kind]
	if !ok || r.terminated {
		return -1
	}
	return s.fd
}

// LocalAddr локальный адрес сокета медиа линии
func (r *Receiver) LocalAddr(kind session_spec.MediaKind) net.Addr {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.streams[kind]
	if !ok {
		return nil
	}
	return s.conn.LocalAddr()
}

// Statistics статистика приема медиа линии
func (r *Receiver) Statistics(kind session_spec.MediaKind) (ReceiverStatistics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.streams[kind]
	if !ok {
		return ReceiverStatistics{}, false
	}
	return s.stats, true
}

// Terminate останавливает прием и закрывает сокеты. Повторный вызов безопасен.
func (r *Receiver) Terminate() {
	r.mu.Lock()
	if r.terminated {
		r.mu.Unlock()
		return
	}
	r.terminated = true
	r.cancel()
	r.closeStreams()
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Debug("Прием остановлен")
}

func (r *Receiver) closeStreams() {
	for kind, s := range r.streams {
		if err := s.conn.Close(); err != nil {
			r.logger.Error("Ошибка при закрытии сокета",
				slog.String("media", kind.String()),
				slog.String("error", err.Error()))
		}
	}
}

func (r *Receiver) readLoop(s *receiveStream) {
	defer r.wg.Done()

	buf := make([]byte, r.bufferSize)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if r.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			r.logger.Warn("Ошибка чтения сокета",
				slog.String("media", s.kind.String()),
				slog.String("error", err.Error()))
			return
		}

		r.handleDatagram(s, buf[:n], from)
	}
}

func (r *Receiver) handleDatagram(s *receiveStream, data []byte, from net.Addr) {
	if isRTCP(data) {
		packets, err := rtcp.Unmarshal(data)
		r.mu.Lock()
		if err != nil {
			s.stats.PacketsInvalid++
			r.mu.Unlock()
			return
		}
		s.stats.RTCPReceived++
		handler := r.onRTCP
		r.mu.Unlock()

		if handler != nil {
			handler(s.kind, packets, from)
		}
		return
	}

	packet, err := parseRTP(data)
	if err != nil {
		r.mu.Lock()
		s.stats.PacketsInvalid++
		r.mu.Unlock()
		r.logger.Debug("Отброшен невалидный пакет",
			slog.String("media", s.kind.String()),
			slog.String("error", err.Error()))
		return
	}

	r.mu.Lock()
	s.stats.PacketsReceived++
	s.stats.BytesReceived += uint64(len(data))
	s.stats.LastSSRC = packet.SSRC
	s.stats.LastSequence = packet.SequenceNumber
	s.stats.LastPacketAt = time.Now()
	handler := r.onPacket
	r.mu.Unlock()

	if handler != nil {
		handler(s.kind, packet, from)
	}
}

// parseRTP проверяет размер, демаршалирует и валидирует RTP пакет
func parseRTP(data []byte) (*rtp.Packet, error) {
	if err := validatePacketSize(len(data)); err != nil {
		return nil, fmt.Errorf("невалидный размер пакета: %w", err)
	}

	// Буфер чтения переиспользуется, пакет должен владеть своими данными
	raw := make([]byte, len(data))
	copy(raw, data)

	packet := &rtp.Packet{}
	if err := packet.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("ошибка демаршалинга RTP пакета: %w", err)
	}
	if err := validateRTPHeader(&packet.Header); err != nil {
		return nil, fmt.Errorf("невалидный RTP заголовок: %w", err)
	}
	return packet, nil
}
