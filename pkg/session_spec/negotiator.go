package session_spec

import "fmt"

// Negotiator пересекает спецификации offer и answer в пару согласованных
// спецификаций. Реализация не должна изменять входные спецификации.
type Negotiator interface {
	Intersect(offer, answer *SessionSpec) (negOffer, negAnswer *SessionSpec, err error)
}

// NegotiatorFunc адаптер функции к интерфейсу Negotiator
type NegotiatorFunc func(offer, answer *SessionSpec) (*SessionSpec, *SessionSpec, error)

// Intersect вызывает f(offer, answer)
func (f NegotiatorFunc) Intersect(offer, answer *SessionSpec) (*SessionSpec, *SessionSpec, error) {
	return f(offer, answer)
}

// DefaultNegotiator согласование по правилам offer/answer (RFC 3264)
var DefaultNegotiator Negotiator = NegotiatorFunc(Intersect)

// Intersect согласует offer и answer.
//
// Линии offer сопоставляются по порядку с первой неиспользованной линией
// answer того же типа. Для пары остаются только общие кодеки в порядке offer,
// причем каждая сторона сохраняет свою нумерацию payload type. Линии без пары
// или без общих кодеков отклоняются с обеих сторон (порт 0). Транспорт и ICE
// блок каждой стороны остаются ее собственными.
//
// Результат: negOffer согласованная спецификация предлагающей стороны,
// negAnswer отвечающей. Число линий в обоих результатах равно числу линий offer.
func Intersect(offer, answer *SessionSpec) (*SessionSpec, *SessionSpec, error) {
	if offer == nil || answer == nil {
		return nil, nil, fmt.Errorf("%w: offer и answer обязательны", ErrInvalidSpec)
	}

	used := make([]bool, len(answer.medias))
	negOffer := make([]MediaSpec, 0, len(offer.medias))
	negAnswer := make([]MediaSpec, 0, len(offer.medias))

	for _, om := range offer.medias {
		j := -1
		if !om.Rejected() {
			for k, am := range answer.medias {
				if !used[k] && am.Kind == om.Kind && !am.Rejected() {
					j = k
					break
				}
			}
		}

		if j < 0 {
			negOffer = append(negOffer, om.rejected())
			negAnswer = append(negAnswer, rejectedFor(om, answer))
			continue
		}

		used[j] = true
		am := answer.medias[j]

		oPayloads, aPayloads := intersectPayloads(om.Payloads, am.Payloads)
		if len(oPayloads) == 0 {
			negOffer = append(negOffer, om.rejected())
			negAnswer = append(negAnswer, am.rejected())
			continue
		}

		answerDir := directionFrom(
			am.Direction.CanSend() && om.Direction.CanReceive(),
			am.Direction.CanReceive() && om.Direction.CanSend(),
		)

		o := om.clone()
		o.Payloads = oPayloads
		o.Direction = answerDir.Reverse()

		a := am.clone()
		a.Payloads = aPayloads
		a.Direction = answerDir

		negOffer = append(negOffer, o)
		negAnswer = append(negAnswer, a)
	}

	return NewSessionSpec(offer.id, offer.version, negOffer...),
		NewSessionSpec(answer.id, answer.version, negAnswer...),
		nil
}

// intersectPayloads возвращает общие кодеки в порядке offer с номерами каждой стороны
func intersectPayloads(offer, answer []Payload) ([]Payload, []Payload) {
	var o, a []Payload
	taken := make([]bool, len(answer))

	for _, op := range offer {
		for k, ap := range answer {
			if taken[k] || !op.sameCodec(ap) {
				continue
			}
			taken[k] = true
			o = append(o, op)
			a = append(a, ap)
			break
		}
	}

	return o, a
}

// rejectedFor строит отклоненную линию answer для линии offer без пары
func rejectedFor(om MediaSpec, answer *SessionSpec) MediaSpec {
	r := om.rejected()
	r.Transport.Address = ""
	for _, am := range answer.medias {
		if am.Transport.Address != "" {
			r.Transport.Address = am.Transport.Address
			break
		}
	}
	return r
}
