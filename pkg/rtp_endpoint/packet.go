package rtp_endpoint

import (
	"fmt"

	"github.com/pion/rtp"
)

// Константы для валидации пакетов согласно RFC 3550
const (
	MinRTPPacketSize = 12   // Минимальный размер RTP заголовка
	MaxRTPPacketSize = 1500 // Максимальный размер (MTU)

	ExpectedRTPVersion = 2
)

// validatePacketSize проверяет размер пакета для защиты от DoS атак
func validatePacketSize(size int) error {
	if size < MinRTPPacketSize {
		return fmt.Errorf("пакет слишком мал: %d байт (минимум %d)", size, MinRTPPacketSize)
	}
	if size > MaxRTPPacketSize {
		return fmt.Errorf("пакет слишком велик: %d байт (максимум %d)", size, MaxRTPPacketSize)
	}
	return nil
}

// validateRTPHeader проверяет корректность RTP заголовка согласно RFC 3550
func validateRTPHeader(header *rtp.Header) error {
	if header.Version != ExpectedRTPVersion {
		return fmt.Errorf("неподдерживаемая версия RTP: %d (ожидается %d)", header.Version, ExpectedRTPVersion)
	}
	if header.PayloadType > 127 {
		return fmt.Errorf("невалидный payload type: %d (максимум 127)", header.PayloadType)
	}
	return nil
}

// isRTCP отличает RTCP от RTP при мультиплексировании на одном порту (RFC 5761)
func isRTCP(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	pt := buf[1]
	return pt >= 192 && pt <= 223
}
