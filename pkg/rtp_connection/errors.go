package rtp_connection

import (
	"errors"
	"fmt"
)

// ConnectionErrorCode определяет коды ошибок RTP соединения
type ConnectionErrorCode int

const (
	// ErrorCodeInvalidArgumentType удаленная спецификация не является валидной спецификацией сессии
	ErrorCodeInvalidArgumentType ConnectionErrorCode = iota + 3000
	// ErrorCodeAlreadyNegotiated удаленная спецификация уже задана
	ErrorCodeAlreadyNegotiated
	// ErrorCodeIceSetupFailed не удалось создать ICE поток или запустить сбор кандидатов
	ErrorCodeIceSetupFailed
	// ErrorCodeIceGatheringTimeout сбор кандидатов не завершился вовремя
	ErrorCodeIceGatheringTimeout
	// ErrorCodeNotYetInitialized среда выполнения не инициализирована
	ErrorCodeNotYetInitialized
	// ErrorCodeDisposed соединение уже закрыто
	ErrorCodeDisposed
	// ErrorCodeNegotiationFailed ошибка согласования спецификаций
	ErrorCodeNegotiationFailed
	// ErrorCodeEndpointCreation ошибка создания receiver/sender
	ErrorCodeEndpointCreation
)

func (c ConnectionErrorCode) String() string {
	switch c {
	case ErrorCodeInvalidArgumentType:
		return "invalid_argument_type"
	case ErrorCodeAlreadyNegotiated:
		return "already_negotiated"
	case ErrorCodeIceSetupFailed:
		return "ice_setup_failed"
	case ErrorCodeIceGatheringTimeout:
		return "ice_gathering_timeout"
	case ErrorCodeNotYetInitialized:
		return "not_yet_initialized"
	case ErrorCodeDisposed:
		return "disposed"
	case ErrorCodeNegotiationFailed:
		return "negotiation_failed"
	case ErrorCodeEndpointCreation:
		return "endpoint_creation"
	default:
		return "unknown"
	}
}

// ConnectionError представляет ошибку RTP соединения
type ConnectionError struct {
	Code         ConnectionErrorCode
	Message      string
	ConnectionID string
	Wrapped      error
}

// NewConnectionError создает новую ошибку соединения
func NewConnectionError(code ConnectionErrorCode, format string, args ...interface{}) *ConnectionError {
	return &ConnectionError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewConnectionErrorWithID создает ошибку с указанием соединения
func NewConnectionErrorWithID(code ConnectionErrorCode, connectionID string, format string, args ...interface{}) *ConnectionError {
	return &ConnectionError{
		Code:         code,
		Message:      fmt.Sprintf(format, args...),
		ConnectionID: connectionID,
	}
}

// WrapConnectionError оборачивает существующую ошибку в ConnectionError
func WrapConnectionError(code ConnectionErrorCode, connectionID string, err error, format string, args ...interface{}) *ConnectionError {
	return &ConnectionError{
		Code:         code,
		Message:      fmt.Sprintf(format, args...),
		ConnectionID: connectionID,
		Wrapped:      err,
	}
}

// Error реализует интерфейс error
func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("RTP Connection Error [%d %s]: %s", e.Code, e.Code, e.Message)
	if e.ConnectionID != "" {
		msg += fmt.Sprintf(" (Connection: %s)", e.ConnectionID)
	}
	if e.Wrapped != nil {
		msg += fmt.Sprintf(" - Wrapped: %v", e.Wrapped)
	}
	return msg
}

// Unwrap возвращает обернутую ошибку для поддержки errors.Is/As
func (e *ConnectionError) Unwrap() error {
	return e.Wrapped
}

// IsConnectionError проверяет, является ли ошибка ConnectionError с указанным кодом
func IsConnectionError(err error, code ConnectionErrorCode) bool {
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		return false
	}
	return connErr.Code == code
}
