// Package session_spec описывает спецификацию медиа сессии (набор медиа линий
// с транспортом и ICE параметрами), ее SDP представление и согласование
// offer/answer.
//
// SessionSpec неизменяема после создания: все конструкторы и геттеры работают
// с глубокими копиями, поэтому один *SessionSpec можно безопасно разделять
// между горутинами без дополнительной синхронизации.
package session_spec

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidSpec базовая ошибка валидации спецификации
var ErrInvalidSpec = errors.New("невалидная спецификация сессии")

// SessionSpec неизменяемая спецификация медиа сессии
type SessionSpec struct {
	id      uint64
	version uint64
	medias  []MediaSpec
}

// NewSessionSpec создает спецификацию из копий переданных медиа линий
func NewSessionSpec(id, version uint64, medias ...MediaSpec) *SessionSpec {
	s := &SessionSpec{
		id:      id,
		version: version,
	}
	for _, m := range medias {
		c := m.clone()
		if len(c.Transport.Protos) == 0 {
			c.Transport.Protos = []string{"RTP", "AVP"}
		}
		s.medias = append(s.medias, c)
	}
	return s
}

// ID идентификатор сессии (o= session id)
func (s *SessionSpec) ID() uint64 {
	return s.id
}

// Version версия сессии (o= session version)
func (s *SessionSpec) Version() uint64 {
	return s.version
}

// MediaCount количество медиа линий
func (s *SessionSpec) MediaCount() int {
	return len(s.medias)
}

// Media возвращает копию i-й медиа линии
func (s *SessionSpec) Media(i int) MediaSpec {
	return s.medias[i].clone()
}

// Medias возвращает копии всех медиа линий
func (s *SessionSpec) Medias() []MediaSpec {
	out := make([]MediaSpec, 0, len(s.medias))
	for _, m := range s.medias {
		out = append(out, m.clone())
	}
	return out
}

// MediaByKind возвращает первую линию указанного типа
func (s *SessionSpec) MediaByKind(kind MediaKind) (MediaSpec, bool) {
	for _, m := range s.medias {
		if m.Kind == kind {
			return m.clone(), true
		}
	}
	return MediaSpec{}, false
}

// Equal сравнивает спецификации по содержимому
func (s *SessionSpec) Equal(other *SessionSpec) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.id == other.id &&
		s.version == other.version &&
		slices.EqualFunc(s.medias, other.medias, MediaSpec.Equal)
}

// String краткое описание для логов
func (s *SessionSpec) String() string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("SessionSpec{id=%d v=%d medias=%d}", s.id, s.version, len(s.medias))
}

// Validate проверяет структурную корректность спецификации
func (s *SessionSpec) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: спецификация не задана", ErrInvalidSpec)
	}
	if len(s.medias) == 0 {
		return fmt.Errorf("%w: нет медиа линий", ErrInvalidSpec)
	}

	for i, m := range s.medias {
		if err := validateMedia(m); err != nil {
			return fmt.Errorf("%w: медиа %d (%s): %v", ErrInvalidSpec, i, m.Kind, err)
		}
	}

	return nil
}

func validateMedia(m MediaSpec) error {
	if m.Kind < MediaKindAudio || m.Kind > MediaKindOther {
		return fmt.Errorf("неизвестный тип медиа %d", m.Kind)
	}
	if !m.Direction.Valid() {
		return fmt.Errorf("неизвестное направление %d", m.Direction)
	}
	if m.Transport.Port < 0 || m.Transport.Port > 65535 {
		return fmt.Errorf("порт %d вне диапазона", m.Transport.Port)
	}
	if m.Transport.Port != 0 && m.Transport.Address == "" {
		return fmt.Errorf("не указан адрес для порта %d", m.Transport.Port)
	}

	ice := m.Transport.Ice
	if ice == nil {
		return nil
	}
	if ice.Username == "" || ice.Password == "" {
		return fmt.Errorf("ICE блок без учетных данных")
	}
	for j, c := range ice.Candidates {
		switch {
		case c.Foundation == "":
			return fmt.Errorf("кандидат %d: пустой foundation", j)
		case c.ComponentID == 0:
			return fmt.Errorf("кандидат %d: компонент должен быть >= 1", j)
		case c.Address == "":
			return fmt.Errorf("кандидат %d: пустой адрес", j)
		case c.Port <= 0 || c.Port > 65535:
			return fmt.Errorf("кандидат %d: порт %d вне диапазона", j, c.Port)
		case c.BasePort < 0 || c.BasePort > 65535:
			return fmt.Errorf("кандидат %d: базовый порт %d вне диапазона", j, c.BasePort)
		}
	}

	return nil
}
