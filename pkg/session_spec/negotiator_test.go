package session_spec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pcmu = Payload{Type: 0, Name: "PCMU", ClockRate: 8000, Channels: 1}
	pcma = Payload{Type: 8, Name: "PCMA", ClockRate: 8000, Channels: 1}
	opus = Payload{Type: 111, Name: "opus", ClockRate: 48000, Channels: 2}
	vp8  = Payload{Type: 96, Name: "VP8", ClockRate: 90000}
	h264 = Payload{Type: 97, Name: "H264", ClockRate: 90000, Fmtp: "packetization-mode=1"}
)

func audioLine(addr string, port int, payloads ...Payload) MediaSpec {
	return MediaSpec{
		Kind:      MediaKindAudio,
		Payloads:  payloads,
		Transport: Transport{Address: addr, Port: port},
	}
}

func videoLine(addr string, port int, ice *IceTransport, payloads ...Payload) MediaSpec {
	return MediaSpec{
		Kind:      MediaKindVideo,
		Payloads:  payloads,
		Transport: Transport{Address: addr, Port: port, Ice: ice},
	}
}

func TestIntersect_CommonPayloadsKeepOwnNumbering(t *testing.T) {
	remoteVP8 := vp8
	remoteVP8.Type = 100

	offer := NewSessionSpec(1, 1,
		audioLine("10.0.0.1", 5000, opus, pcmu, pcma),
		videoLine("10.0.0.1", 5002, nil, h264, vp8),
	)
	answer := NewSessionSpec(2, 1,
		audioLine("10.0.0.2", 6000, pcma, pcmu),
		videoLine("10.0.0.2", 6002, nil, remoteVP8),
	)

	negOffer, negAnswer, err := Intersect(offer, answer)
	require.NoError(t, err)
	require.Equal(t, 2, negOffer.MediaCount())
	require.Equal(t, 2, negAnswer.MediaCount())

	// Порядок кодеков задает offer
	assert.Equal(t, []Payload{pcmu, pcma}, negOffer.Media(0).Payloads)
	assert.Equal(t, []Payload{pcmu, pcma}, negAnswer.Media(0).Payloads)

	assert.Equal(t, []Payload{vp8}, negOffer.Media(1).Payloads)
	assert.Equal(t, []Payload{remoteVP8}, negAnswer.Media(1).Payloads)

	// Транспорт каждой стороны остается своим
	assert.Equal(t, "10.0.0.1", negOffer.Media(0).Transport.Address)
	assert.Equal(t, 6002, negAnswer.Media(1).Transport.Port)
	assert.Equal(t, uint64(1), negOffer.ID())
	assert.Equal(t, uint64(2), negAnswer.ID())
}

func TestIntersect_RejectsUnmatchedLines(t *testing.T) {
	offer := NewSessionSpec(1, 1,
		audioLine("10.0.0.1", 5000, pcmu),
		videoLine("10.0.0.1", 5002, &IceTransport{Username: "u", Password: "p"}, vp8),
	)
	answer := NewSessionSpec(2, 1,
		audioLine("10.0.0.2", 6000, opus),
	)

	negOffer, negAnswer, err := Intersect(offer, answer)
	require.NoError(t, err)
	require.Equal(t, 2, negAnswer.MediaCount())

	for i := 0; i < 2; i++ {
		o := negOffer.Media(i)
		a := negAnswer.Media(i)
		assert.True(t, o.Rejected(), "offer line %d", i)
		assert.True(t, a.Rejected(), "answer line %d", i)
		assert.Empty(t, o.Payloads)
		assert.False(t, o.HasIce())
		assert.Equal(t, DirectionInactive, a.Direction)
	}
	assert.Equal(t, MediaKindVideo, negAnswer.Media(1).Kind)
	assert.Equal(t, "10.0.0.2", negAnswer.Media(1).Transport.Address)
}

func TestIntersect_Directions(t *testing.T) {
	tests := []struct {
		name       string
		offerDir   Direction
		answerDir  Direction
		wantOffer  Direction
		wantAnswer Direction
	}{
		{"sendrecv/sendrecv", DirectionSendRecv, DirectionSendRecv, DirectionSendRecv, DirectionSendRecv},
		{"sendonly/sendrecv", DirectionSendOnly, DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly},
		{"recvonly/sendrecv", DirectionRecvOnly, DirectionSendRecv, DirectionRecvOnly, DirectionSendOnly},
		{"sendrecv/recvonly", DirectionSendRecv, DirectionRecvOnly, DirectionSendOnly, DirectionRecvOnly},
		{"sendonly/sendonly", DirectionSendOnly, DirectionSendOnly, DirectionInactive, DirectionInactive},
		{"inactive/sendrecv", DirectionInactive, DirectionSendRecv, DirectionInactive, DirectionInactive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := audioLine("10.0.0.1", 5000, pcmu)
			o.Direction = tt.offerDir
			a := audioLine("10.0.0.2", 6000, pcmu)
			a.Direction = tt.answerDir

			negOffer, negAnswer, err := Intersect(NewSessionSpec(1, 1, o), NewSessionSpec(2, 1, a))
			require.NoError(t, err)
			assert.Equal(t, tt.wantOffer, negOffer.Media(0).Direction)
			assert.Equal(t, tt.wantAnswer, negAnswer.Media(0).Direction)
		})
	}
}

func TestIntersect_PureAndRepeatable(t *testing.T) {
	ice := &IceTransport{
		Username:   "u1",
		Password:   "p1",
		Candidates: []IceCandidate{{Foundation: "1", ComponentID: 1, Priority: 100, Address: "10.0.0.1", Port: 5002}},
	}
	offer := NewSessionSpec(1, 1, audioLine("10.0.0.1", 5000, pcmu, pcma), videoLine("10.0.0.1", 5002, ice, vp8))
	answer := NewSessionSpec(2, 1, audioLine("10.0.0.2", 6000, pcma), videoLine("10.0.0.2", 6002, nil, vp8))

	offerBefore := NewSessionSpec(1, 1, offer.Medias()...)
	answerBefore := NewSessionSpec(2, 1, answer.Medias()...)

	o1, a1, err := Intersect(offer, answer)
	require.NoError(t, err)
	o2, a2, err := Intersect(offer, answer)
	require.NoError(t, err)

	assert.True(t, o1.Equal(o2))
	assert.True(t, a1.Equal(a2))
	assert.True(t, offer.Equal(offerBefore))
	assert.True(t, answer.Equal(answerBefore))

	// ICE блок сохраняется у своей стороны
	require.True(t, o1.Media(1).HasIce())
	assert.Equal(t, "u1", o1.Media(1).Transport.Ice.Username)
	assert.False(t, a1.Media(1).HasIce())
}

func TestIntersect_NilInput(t *testing.T) {
	spec := NewSessionSpec(1, 1, audioLine("10.0.0.1", 5000, pcmu))

	_, _, err := Intersect(nil, spec)
	assert.ErrorIs(t, err, ErrInvalidSpec)

	_, _, err = DefaultNegotiator.Intersect(spec, nil)
	assert.ErrorIs(t, err, ErrInvalidSpec)
}
