package rtp_connection

import (
	"fmt"
	"net"
	"sync"
)

// PortRange диапазон портов медиа
type PortRange struct {
	Min int
	Max int
}

// PortAllocator выделяет порты для медиа линий локальной спецификации.
// RTP порты выделяются четными, нечетный порт резервируется под RTCP.
type PortAllocator struct {
	portRange PortRange
	usedPorts map[int]bool
	mutex     sync.Mutex
}

// NewPortAllocator создает аллокатор портов
func NewPortAllocator(portRange PortRange) (*PortAllocator, error) {
	if portRange.Min <= 0 || portRange.Max > 65535 {
		return nil, fmt.Errorf("неверный диапазон портов: Min=%d, Max=%d", portRange.Min, portRange.Max)
	}
	if portRange.Max-portRange.Min < 2 {
		return nil, fmt.Errorf("диапазон портов слишком мал: Min=%d, Max=%d", portRange.Min, portRange.Max)
	}

	return &PortAllocator{
		portRange: portRange,
		usedPorts: make(map[int]bool),
	}, nil
}

// Allocate выделяет свободный четный порт, который удалось занять на host
func (pa *PortAllocator) Allocate(host string) (int, error) {
	pa.mutex.Lock()
	defer pa.mutex.Unlock()

	start := pa.portRange.Min
	if start%2 != 0 {
		start++
	}

	for port := start; port < pa.portRange.Max; port += 2 {
		if pa.usedPorts[port] {
			continue
		}
		if !canBindUDP(host, port) {
			continue
		}
		pa.usedPorts[port] = true
		return port, nil
	}

	return 0, fmt.Errorf("нет свободных портов в диапазоне %d-%d", pa.portRange.Min, pa.portRange.Max)
}

// Release освобождает порт; освобождение невыделенного порта игнорируется
func (pa *PortAllocator) Release(port int) {
	pa.mutex.Lock()
	defer pa.mutex.Unlock()
	delete(pa.usedPorts, port)
}

// InUse проверяет выделен ли порт
func (pa *PortAllocator) InUse(port int) bool {
	pa.mutex.Lock()
	defer pa.mutex.Unlock()
	return pa.usedPorts[port]
}

// Used количество выделенных портов
func (pa *PortAllocator) Used() int {
	pa.mutex.Lock()
	defer pa.mutex.Unlock()
	return len(pa.usedPorts)
}

func canBindUDP(host string, port int) bool {
	conn, err := net.ListenPacket("udp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
