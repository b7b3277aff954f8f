package session_spec

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/sdp/v3"
)

// SDP атрибуты ICE
const (
	attrIceUfrag  = "ice-ufrag"
	attrIcePwd    = "ice-pwd"
	attrCandidate = "candidate"
	attrRtpmap    = "rtpmap"
	attrFmtp      = "fmtp"
)

// staticPayloads статические payload type из RFC 3551 для m= линий без rtpmap
var staticPayloads = map[uint8]Payload{
	0:  {Type: 0, Name: "PCMU", ClockRate: 8000, Channels: 1},
	3:  {Type: 3, Name: "GSM", ClockRate: 8000, Channels: 1},
	8:  {Type: 8, Name: "PCMA", ClockRate: 8000, Channels: 1},
	9:  {Type: 9, Name: "G722", ClockRate: 8000, Channels: 1},
	18: {Type: 18, Name: "G729", ClockRate: 8000, Channels: 1},
	26: {Type: 26, Name: "JPEG", ClockRate: 90000},
	31: {Type: 31, Name: "H261", ClockRate: 90000},
	34: {Type: 34, Name: "H263", ClockRate: 90000},
}

// Parse разбирает SDP текст в спецификацию
func Parse(raw []byte) (*SessionSpec, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("ошибка разбора SDP: %w", err)
	}
	return FromSDP(desc)
}

// Marshal сериализует спецификацию в SDP текст
func (s *SessionSpec) Marshal() ([]byte, error) {
	desc, err := s.ToSDP()
	if err != nil {
		return nil, err
	}
	return desc.Marshal()
}

// FromSDP строит спецификацию из SDP описания
func FromSDP(desc *sdp.SessionDescription) (*SessionSpec, error) {
	if desc == nil {
		return nil, fmt.Errorf("%w: SDP описание не задано", ErrInvalidSpec)
	}

	sessionAddr := connectionAddress(desc.ConnectionInformation)
	sessionUfrag, _ := desc.Attribute(attrIceUfrag)
	sessionPwd, _ := desc.Attribute(attrIcePwd)
	sessionDir := DirectionSendRecv
	for _, a := range desc.Attributes {
		if d, ok := ParseDirection(a.Key); ok {
			sessionDir = d
		}
	}

	medias := make([]MediaSpec, 0, len(desc.MediaDescriptions))
	for i, md := range desc.MediaDescriptions {
		m, err := mediaFromSDP(md, sessionAddr, sessionUfrag, sessionPwd, sessionDir)
		if err != nil {
			return nil, fmt.Errorf("медиа %d: %w", i, err)
		}
		medias = append(medias, m)
	}

	return NewSessionSpec(desc.Origin.SessionID, desc.Origin.SessionVersion, medias...), nil
}

func mediaFromSDP(md *sdp.MediaDescription, sessionAddr, ufrag, pwd string, dir Direction) (MediaSpec, error) {
	m := MediaSpec{
		Kind:      ParseMediaKind(md.MediaName.Media),
		Direction: dir,
		Transport: Transport{
			Address: sessionAddr,
			Port:    md.MediaName.Port.Value,
			Protos:  append([]string(nil), md.MediaName.Protos...),
		},
	}
	if addr := connectionAddress(md.ConnectionInformation); addr != "" {
		m.Transport.Address = addr
	}

	rtpmaps := make(map[uint8]Payload)
	fmtps := make(map[uint8]string)
	var candidates []IceCandidate

	for _, a := range md.Attributes {
		if d, ok := ParseDirection(a.Key); ok {
			m.Direction = d
			continue
		}
		switch a.Key {
		case attrIceUfrag:
			ufrag = a.Value
		case attrIcePwd:
			pwd = a.Value
		case attrRtpmap:
			p, err := parseRtpmap(a.Value)
			if err != nil {
				return m, err
			}
			rtpmaps[p.Type] = p
		case attrFmtp:
			pt, params, ok := strings.Cut(a.Value, " ")
			if !ok {
				continue
			}
			n, err := strconv.ParseUint(pt, 10, 8)
			if err != nil {
				return m, fmt.Errorf("невалидный fmtp %q: %w", a.Value, err)
			}
			fmtps[uint8(n)] = strings.TrimSpace(params)
		case attrCandidate:
			c, ok, err := parseCandidate(a.Value)
			if err != nil {
				return m, err
			}
			if ok {
				candidates = append(candidates, c)
			}
		}
	}

	// Отклоненная линия не несет ни кодеков, ни ICE
	if m.Transport.Port == 0 {
		return m, nil
	}
	if m.Transport.Address == "" {
		return m, fmt.Errorf("%w: нет строки c= ни для сессии, ни для медиа", ErrInvalidSpec)
	}

	for _, f := range md.MediaName.Formats {
		n, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			// не RTP формат (например, webrtc-datachannel)
			continue
		}
		pt := uint8(n)
		p, ok := rtpmaps[pt]
		if !ok {
			if p, ok = staticPayloads[pt]; !ok {
				return m, fmt.Errorf("нет rtpmap для payload type %d", pt)
			}
		}
		p.Fmtp = fmtps[pt]
		m.Payloads = append(m.Payloads, p)
	}

	if ufrag != "" || pwd != "" || len(candidates) > 0 {
		m.Transport.Ice = &IceTransport{
			Username:   ufrag,
			Password:   pwd,
			Candidates: candidates,
		}
	}

	return m, nil
}

// parseRtpmap разбирает "<pt> <name>/<clock>[/<channels>]"
func parseRtpmap(value string) (Payload, error) {
	pt, codec, ok := strings.Cut(value, " ")
	if !ok {
		return Payload{}, fmt.Errorf("невалидный rtpmap %q", value)
	}
	n, err := strconv.ParseUint(pt, 10, 8)
	if err != nil {
		return Payload{}, fmt.Errorf("невалидный payload type в rtpmap %q: %w", value, err)
	}

	parts := strings.Split(strings.TrimSpace(codec), "/")
	if len(parts) < 2 {
		return Payload{}, fmt.Errorf("невалидный rtpmap %q", value)
	}
	clock, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Payload{}, fmt.Errorf("невалидная частота в rtpmap %q: %w", value, err)
	}

	p := Payload{Type: uint8(n), Name: parts[0], ClockRate: uint32(clock)}
	if len(parts) > 2 {
		ch, err := strconv.ParseUint(parts[2], 10, 16)
		if err != nil {
			return Payload{}, fmt.Errorf("невалидное число каналов в rtpmap %q: %w", value, err)
		}
		p.Channels = uint16(ch)
	}
	return p, nil
}

// parseCandidate разбирает значение a=candidate. TCP кандидаты пропускаются.
func parseCandidate(value string) (IceCandidate, bool, error) {
	c, err := ice.UnmarshalCandidate(value)
	if err != nil {
		return IceCandidate{}, false, fmt.Errorf("невалидный ICE кандидат %q: %w", value, err)
	}
	if c.NetworkType().IsTCP() {
		return IceCandidate{}, false, nil
	}

	out := IceCandidate{
		Foundation:  c.Foundation(),
		ComponentID: c.Component(),
		Priority:    c.Priority(),
		Address:     c.Address(),
		Port:        c.Port(),
	}

	// pion не сохраняет raddr/rport для host кандидатов
	fields := strings.Fields(value)
	for i := 0; i+1 < len(fields); i++ {
		switch fields[i] {
		case "raddr":
			out.BaseAddress = fields[i+1]
		case "rport":
			if p, err := strconv.Atoi(fields[i+1]); err == nil {
				out.BasePort = p
			}
		}
	}

	return out, true, nil
}

// marshalCandidate формирует значение a=candidate для host кандидата
func marshalCandidate(c IceCandidate) string {
	line := fmt.Sprintf("%s %d udp %d %s %d typ host", c.Foundation, c.ComponentID, c.Priority, c.Address, c.Port)
	if c.HasBase() {
		line += fmt.Sprintf(" raddr %s rport %d", c.BaseAddress, c.BasePort)
	}
	return line
}

func connectionAddress(ci *sdp.ConnectionInformation) string {
	if ci == nil || ci.Address == nil {
		return ""
	}
	return ci.Address.Address
}

func connectionInformation(addr string) *sdp.ConnectionInformation {
	return &sdp.ConnectionInformation{
		NetworkType: "IN",
		AddressType: addressType(addr),
		Address:     &sdp.Address{Address: addr},
	}
}

func addressType(addr string) string {
	if ip := net.ParseIP(addr); ip != nil && ip.To4() == nil {
		return "IP6"
	}
	return "IP4"
}

// ToSDP строит SDP описание из спецификации
func (s *SessionSpec) ToSDP() (*sdp.SessionDescription, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: спецификация не задана", ErrInvalidSpec)
	}

	origin := "0.0.0.0"
	for _, m := range s.medias {
		if m.Transport.Address != "" {
			origin = m.Transport.Address
			break
		}
	}

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      s.id,
			SessionVersion: s.version,
			NetworkType:    "IN",
			AddressType:    addressType(origin),
			UnicastAddress: origin,
		},
		SessionName: sdp.SessionName("-"),
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	for _, m := range s.medias {
		desc = desc.WithMedia(mediaToSDP(m))
	}

	return desc, nil
}

func mediaToSDP(m MediaSpec) *sdp.MediaDescription {
	media := m.Kind.String()
	if m.Kind == MediaKindOther {
		media = "application"
	}
	protos := m.Transport.Protos
	if len(protos) == 0 {
		protos = []string{"RTP", "AVP"}
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  media,
			Port:   sdp.RangedPort{Value: m.Transport.Port},
			Protos: append([]string(nil), protos...),
		},
	}
	if m.Transport.Address != "" {
		md.ConnectionInformation = connectionInformation(m.Transport.Address)
	}

	for _, p := range m.Payloads {
		md = md.WithCodec(p.Type, p.Name, p.ClockRate, p.Channels, p.Fmtp)
	}
	if len(md.MediaName.Formats) == 0 {
		// m= требует хотя бы один формат
		md.MediaName.Formats = []string{"0"}
	}

	if ice := m.Transport.Ice; ice != nil && m.Transport.Port != 0 {
		md = md.WithValueAttribute(attrIceUfrag, ice.Username).
			WithValueAttribute(attrIcePwd, ice.Password)
		for _, c := range ice.Candidates {
			md = md.WithValueAttribute(attrCandidate, marshalCandidate(c))
		}
	}

	return md.WithPropertyAttribute(m.Direction.String())
}
