package rtp_endpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/arzzra/rtp_connection/pkg/session_spec"
)

var (
	ErrSenderTerminated = errors.New("отправитель остановлен")
	ErrNoSendStream     = errors.New("нет потока отправки для медиа")
	ErrSendNotAllowed   = errors.New("направление медиа не допускает отправку")
)

// goodbyeReason причина в RTCP BYE при остановке
const goodbyeReason = "terminated"

// SenderConfig параметры Sender
type SenderConfig struct {
	// RemoteSpec согласованная спецификация удаленной стороны
	RemoteSpec *session_spec.SessionSpec

	// Дескрипторы сокетов Receiver, -1 если сокета нет
	AudioFD int
	VideoFD int

	Logger *slog.Logger
}

// SenderStatistics статистика отправки одной медиа линии
type SenderStatistics struct {
	PacketsSent  uint64
	BytesSent    uint64
	LastSSRC     uint32
	LastPacketAt time.Time
}

type sendStream struct {
	kind      session_spec.MediaKind
	conn      net.PacketConn
	remote    *net.UDPAddr
	direction session_spec.Direction
	ssrcs     map[uint32]struct{}
	stats     SenderStatistics
}

// Sender приемник медиа соединения: отправляет RTP удаленной стороне
type Sender struct {
	mu sync.Mutex

	remoteSpec *session_spec.SessionSpec
	streams    map[session_spec.MediaKind]*sendStream
	terminated bool
	logger     *slog.Logger
}

// NewSender создает потоки отправки для линий удаленной спецификации,
// для которых у Receiver есть сокет.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if cfg.RemoteSpec == nil {
		return nil, fmt.Errorf("удаленная спецификация обязательна")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Sender{
		remoteSpec: cfg.RemoteSpec,
		streams:    make(map[session_spec.MediaKind]*sendStream),
		logger:     cfg.Logger.With(slog.String("component", "rtp_sender")),
	}

	fds := map[session_spec.MediaKind]int{
		session_spec.MediaKindAudio: cfg.AudioFD,
		session_spec.MediaKindVideo: cfg.VideoFD,
	}

	for kind, fd := range fds {
		if fd < 0 {
			continue
		}
		media, ok := cfg.RemoteSpec.MediaByKind(kind)
		if !ok || media.Rejected() {
			continue
		}

		remote, err := resolveUDPAddr(media.Transport.Address, media.Transport.Port)
		if err != nil {
			s.closeStreams()
			return nil, fmt.Errorf("ошибка удаленного адреса %s: %w", kind, err)
		}

		conn, err := packetConnFromFD(fd, "rtp-"+kind.String())
		if err != nil {
			s.closeStreams()
			return nil, err
		}

		s.streams[kind] = &sendStream{
			kind:      kind,
			conn:      conn,
			remote:    remote,
			direction: media.Direction,
			ssrcs:     make(map[uint32]struct{}),
		}

		s.logger.Debug("Поток отправки создан",
			slog.String("media", kind.String()),
			slog.String("remote_addr", remote.String()))
	}

	return s, nil
}

// RemoteSpec согласованная спецификация удаленной стороны
func (s *Sender) RemoteSpec() *session_spec.SessionSpec {
	return s.remoteSpec
}

// RemoteAddr адрес назначения медиа линии
func (s *Sender) RemoteAddr(kind session_spec.MediaKind) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[kind]
	if !ok {
		return nil
	}
	return st.remote
}

// WritePacket отправляет RTP пакет по медиа линии
func (s *Sender) WritePacket(kind session_spec.MediaKind, packet *rtp.Packet) error {
	if packet == nil {
		return fmt.Errorf("пакет не может быть nil")
	}
	p := *packet
	if p.Version == 0 {
		p.Version = ExpectedRTPVersion
	}
	if err := validateRTPHeader(&p.Header); err != nil {
		return fmt.Errorf("невалидный RTP заголовок: %w", err)
	}

	data, err := p.Marshal()
	if err != nil {
		return fmt.Errorf("ошибка маршалинга RTP пакета: %w", err)
	}
	if err := validatePacketSize(len(data)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return ErrSenderTerminated
	}
	st, ok := s.streams[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSendStream, kind)
	}
	// Направление задано с точки зрения удаленной стороны
	if !st.direction.CanReceive() {
		return fmt.Errorf("%w: %s (%s)", ErrSendNotAllowed, kind, st.direction)
	}

	if _, err := st.conn.WriteTo(data, st.remote); err != nil {
		return fmt.Errorf("ошибка отправки RTP пакета: %w", err)
	}

	st.ssrcs[packet.SSRC] = struct{}{}
	st.stats.PacketsSent++
	st.stats.BytesSent += uint64(len(data))
	st.stats.LastSSRC = packet.SSRC
	st.stats.LastPacketAt = time.Now()

	return nil
}

// Statistics статистика отправки медиа линии
func (s *Sender) Statistics(kind session_spec.MediaKind) (SenderStatistics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[kind]
	if !ok {
		return SenderStatistics{}, false
	}
	return st.stats, true
}

// Terminate отправляет RTCP BYE для всех использованных SSRC и закрывает
// потоки. Повторный вызов безопасен.
func (s *Sender) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return
	}
	s.terminated = true

	for kind, st := range s.streams {
		if len(st.ssrcs) == 0 {
			continue
		}
		if err := st.sendGoodbye(); err != nil {
			s.logger.Warn("Не удалось отправить RTCP BYE",
				slog.String("media", kind.String()),
				slog.String("error", err.Error()))
		}
	}

	s.closeStreams()
	s.logger.Debug("Отправка остановлена")
}

func (st *sendStream) sendGoodbye() error {
	sources := make([]uint32, 0, len(st.ssrcs))
	for ssrc := range st.ssrcs {
		sources = append(sources, ssrc)
	}

	data, err := rtcp.Marshal([]rtcp.Packet{&rtcp.Goodbye{
		Sources: sources,
		Reason:  goodbyeReason,
	}})
	if err != nil {
		return err
	}

	_, err = st.conn.WriteTo(data, st.remote)
	return err
}

func (s *Sender) closeStreams() {
	for kind, st := range s.streams {
		if err := st.conn.Close(); err != nil {
			s.logger.Error("Ошибка при закрытии сокета",
				slog.String("media", kind.String()),
				slog.String("error", err.Error()))
		}
	}
}
