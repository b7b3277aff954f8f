//go:build unix

package rtp_endpoint

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// socketFD возвращает дескриптор сокета без дублирования.
// Дескриптор принадлежит conn и действителен до его закрытия.
func socketFD(conn *net.UDPConn) (int, error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("не удалось получить системный сокет: %w", err)
	}

	fd := -1
	if err := rawConn.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, fmt.Errorf("ошибка управления сокетом: %w", err)
	}
	return fd, nil
}

// packetConnFromFD создает независимое соединение поверх копии дескриптора.
// Исходный дескриптор остается у владельца, закрытие одного не влияет на другой.
func packetConnFromFD(fd int, name string) (net.PacketConn, error) {
	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, fmt.Errorf("ошибка дублирования дескриптора %d: %w", fd, err)
	}
	unix.CloseOnExec(dup)

	f := os.NewFile(uintptr(dup), name)
	if f == nil {
		_ = unix.Close(dup)
		return nil, fmt.Errorf("невалидный дескриптор %d", dup)
	}
	defer f.Close()

	// FilePacketConn делает собственную копию дескриптора
	conn, err := net.FilePacketConn(f)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания соединения из дескриптора %d: %w", fd, err)
	}
	return conn, nil
}
