package session_spec

import (
	"slices"
	"strings"
)

// MediaKind тип медиа линии
type MediaKind int

const (
	MediaKindAudio MediaKind = iota // Аудио
	MediaKindVideo                  // Видео
	MediaKindOther                  // Прочие медиа (application, text, ...)
)

func (k MediaKind) String() string {
	switch k {
	case MediaKindAudio:
		return "audio"
	case MediaKindVideo:
		return "video"
	case MediaKindOther:
		return "other"
	default:
		return "unknown"
	}
}

// ParseMediaKind разбирает медиа токен из m= строки
func ParseMediaKind(media string) MediaKind {
	switch strings.ToLower(media) {
	case "audio":
		return MediaKindAudio
	case "video":
		return MediaKindVideo
	default:
		return MediaKindOther
	}
}

// Direction определяет направление медиа потока
type Direction int

const (
	DirectionSendRecv Direction = iota // Отправка и прием
	DirectionSendOnly                  // Только отправка
	DirectionRecvOnly                  // Только прием
	DirectionInactive                  // Неактивно
)

func (d Direction) String() string {
	switch d {
	case DirectionSendRecv:
		return "sendrecv"
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	case DirectionInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// ParseDirection разбирает SDP атрибут направления
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "sendrecv":
		return DirectionSendRecv, true
	case "sendonly":
		return DirectionSendOnly, true
	case "recvonly":
		return DirectionRecvOnly, true
	case "inactive":
		return DirectionInactive, true
	default:
		return DirectionInactive, false
	}
}

// Valid проверяет что значение входит в перечисление
func (d Direction) Valid() bool {
	return d >= DirectionSendRecv && d <= DirectionInactive
}

// CanSend проверяет, может ли поток отправлять данные
func (d Direction) CanSend() bool {
	return d == DirectionSendRecv || d == DirectionSendOnly
}

// CanReceive проверяет, может ли поток принимать данные
func (d Direction) CanReceive() bool {
	return d == DirectionSendRecv || d == DirectionRecvOnly
}

// Reverse возвращает направление с точки зрения противоположной стороны
func (d Direction) Reverse() Direction {
	switch d {
	case DirectionSendOnly:
		return DirectionRecvOnly
	case DirectionRecvOnly:
		return DirectionSendOnly
	default:
		return d
	}
}

func directionFrom(send, recv bool) Direction {
	switch {
	case send && recv:
		return DirectionSendRecv
	case send:
		return DirectionSendOnly
	case recv:
		return DirectionRecvOnly
	default:
		return DirectionInactive
	}
}

// Payload описывает формат полезной нагрузки RTP (строка rtpmap/fmtp)
type Payload struct {
	Type      uint8
	Name      string
	ClockRate uint32
	Channels  uint16 // 0 если не указано
	Fmtp      string
}

// sameCodec сравнивает кодеки без учета номера payload type
func (p Payload) sameCodec(other Payload) bool {
	return strings.EqualFold(p.Name, other.Name) &&
		p.ClockRate == other.ClockRate &&
		channelsOrOne(p.Channels) == channelsOrOne(other.Channels)
}

func channelsOrOne(c uint16) uint16 {
	if c == 0 {
		return 1
	}
	return c
}

// IceCandidate кандидат ICE из транспортного блока медиа линии
type IceCandidate struct {
	Foundation  string
	ComponentID uint16
	Priority    uint32
	Address     string
	Port        int

	// Базовый адрес (raddr/rport), необязателен
	BaseAddress string
	BasePort    int

	// Явный идентификатор потока агента, 0 - использовать поток агента
	StreamID uint32
}

// HasBase сообщает что заданы и базовый адрес, и базовый порт
func (c IceCandidate) HasBase() bool {
	return c.BaseAddress != "" && c.BasePort != 0
}

// IceTransport ICE блок медиа линии: учетные данные и кандидаты
type IceTransport struct {
	Username   string
	Password   string
	Candidates []IceCandidate
}

func (t *IceTransport) clone() *IceTransport {
	if t == nil {
		return nil
	}
	c := *t
	c.Candidates = append([]IceCandidate(nil), t.Candidates...)
	return &c
}

// Transport транспортное описание медиа линии
type Transport struct {
	Address string
	Port    int      // 0 - линия отклонена
	Protos  []string // по умолчанию RTP/AVP
	Ice     *IceTransport
}

// MediaSpec одна медиа линия спецификации сессии
type MediaSpec struct {
	Kind      MediaKind
	Direction Direction
	Payloads  []Payload
	Transport Transport
}

// Equal сравнивает медиа линии поле за полем
func (m MediaSpec) Equal(other MediaSpec) bool {
	return m.Kind == other.Kind &&
		m.Direction == other.Direction &&
		slices.Equal(m.Payloads, other.Payloads) &&
		m.Transport.Equal(other.Transport)
}

// Equal сравнивает транспорт вместе с ICE блоком
func (t Transport) Equal(other Transport) bool {
	return t.Address == other.Address &&
		t.Port == other.Port &&
		slices.Equal(t.Protos, other.Protos) &&
		t.Ice.Equal(other.Ice)
}

// Equal проверяет равенство ICE блоков
func (t *IceTransport) Equal(other *IceTransport) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.Username == other.Username &&
		t.Password == other.Password &&
		slices.Equal(t.Candidates, other.Candidates)
}

// HasIce сообщает есть ли у линии ICE блок
func (m MediaSpec) HasIce() bool {
	return m.Transport.Ice != nil
}

// Rejected сообщает что линия отклонена (порт 0)
func (m MediaSpec) Rejected() bool {
	return m.Transport.Port == 0
}

func (m MediaSpec) clone() MediaSpec {
	c := m
	c.Payloads = append([]Payload(nil), m.Payloads...)
	c.Transport.Protos = append([]string(nil), m.Transport.Protos...)
	c.Transport.Ice = m.Transport.Ice.clone()
	return c
}

// rejected возвращает отклоненную копию линии
func (m MediaSpec) rejected() MediaSpec {
	return MediaSpec{
		Kind:      m.Kind,
		Direction: DirectionInactive,
		Transport: Transport{
			Address: m.Transport.Address,
			Protos:  append([]string(nil), m.Transport.Protos...),
		},
	}
}
