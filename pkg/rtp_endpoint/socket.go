package rtp_endpoint

import (
	"fmt"
	"net"
	"strconv"
)

// Настройки сокетов для медиа трафика
const (
	DefaultBufferSize = 1500

	// VoiceOptimizedRecvBuffer буфер приема ~3 секунды G.711 при 20ms пакетах
	VoiceOptimizedRecvBuffer = 65535
	VoiceOptimizedSendBuffer = 65535

	// DSCP значения по RFC 4594
	DSCPExpeditedForwarding = 46 // EF для интерактивного аудио
	DSCPAssuredForwarding   = 34 // AF41 для видео
	DSCPBestEffort          = 0
)

// SocketOptions параметры медиа сокета
type SocketOptions struct {
	BufferSize int  // Размер буфера пакета, 0 - DefaultBufferSize
	DSCP       int  // DSCP маркировка, 0 - не задавать
	ReusePort  bool // SO_REUSEPORT
}

// Validate проверяет параметры сокета
func (o SocketOptions) Validate() error {
	if o.BufferSize < 0 {
		return fmt.Errorf("размер буфера не может быть отрицательным")
	}
	if o.DSCP < 0 || o.DSCP > 63 {
		return fmt.Errorf("DSCP должен быть в диапазоне 0-63")
	}
	return nil
}

func (o SocketOptions) bufferSize() int {
	if o.BufferSize <= 0 {
		return DefaultBufferSize
	}
	return o.BufferSize
}

// applySocketOptions применяет системные настройки к UDP сокету
func applySocketOptions(conn *net.UDPConn, opts SocketOptions) error {
	if conn == nil {
		return fmt.Errorf("соединение не может быть nil")
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("не удалось получить системный сокет: %w", err)
	}

	var sockOptErr error
	err = rawConn.Control(func(fd uintptr) {
		sockOptErr = setSocketOptions(fd, opts)
	})
	if err != nil {
		return fmt.Errorf("ошибка управления сокетом: %w", err)
	}

	return sockOptErr
}

// bufferSizes вычисляет размеры SO_RCVBUF/SO_SNDBUF
func bufferSizes(bufferSize int) (recv, send int) {
	recv = VoiceOptimizedRecvBuffer
	send = VoiceOptimizedSendBuffer
	if bufferSize > DefaultBufferSize {
		recv = bufferSize * 4
		send = bufferSize * 2
	}
	return recv, send
}

// resolveUDPAddr создает *net.UDPAddr из адреса и порта медиа линии
func resolveUDPAddr(host string, port int) (*net.UDPAddr, error) {
	if host == "" {
		return nil, fmt.Errorf("адрес не может быть пустым")
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения UDP адреса '%s': %w", addr, err)
	}

	return udpAddr, nil
}
