package amqp

import (
	"fmt"
	"time"

	"github.com/thornwright/amqp1/internal/buffer"
	"github.com/thornwright/amqp1/internal/encoding"
	"github.com/thornwright/amqp1/internal/frames"
)

// MessageHeader carries delivery hints that are not part of the bare
// message: durability, priority, time-to-live, and first-acquirer/
// delivery-count bookkeeping for redelivery.
type MessageHeader struct {
	Durable       bool
	Priority      uint8
	TTL           time.Duration // 0 means no TTL
	FirstAcquirer bool
	DeliveryCount uint32
}

func (h *MessageHeader) marshal(wr *buffer.Buffer) error {
	ttl := encoding.Milliseconds(h.TTL)
	return encoding.MarshalComposite(wr, encoding.TypeCodeMessageHeader, []encoding.MarshalField{
		{Value: h.Durable, Omit: !h.Durable},
		{Value: h.Priority, Omit: h.Priority == 4},
		{Value: &ttl, Omit: h.TTL == 0},
		{Value: h.FirstAcquirer, Omit: !h.FirstAcquirer},
		{Value: h.DeliveryCount, Omit: h.DeliveryCount == 0},
	})
}

func (h *MessageHeader) unmarshal(r *buffer.Buffer) error {
	var ttl encoding.Milliseconds
	err := frames.UnmarshalComposite(r, encoding.TypeCodeMessageHeader,
		frames.UnmarshalField{Field: &h.Durable},
		frames.UnmarshalField{Field: &h.Priority, HandleNull: func() error { h.Priority = 4; return nil }},
		frames.UnmarshalField{Field: &ttl},
		frames.UnmarshalField{Field: &h.FirstAcquirer},
		frames.UnmarshalField{Field: &h.DeliveryCount},
	)
	h.TTL = time.Duration(ttl)
	return err
}

// MessageProperties is the bare message's immutable, application-facing
// metadata: message/correlation identity, addressing, content typing,
// and timestamps.
type MessageProperties struct {
	MessageID          interface{}
	UserID             []byte
	To                 string
	Subject            string
	ReplyTo            string
	CorrelationID      interface{}
	ContentType        encoding.Symbol
	ContentEncoding    encoding.Symbol
	AbsoluteExpiryTime time.Time
	CreationTime       time.Time
	GroupID            string
	GroupSequence      uint32
	ReplyToGroupID     string
}

func (p *MessageProperties) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeMessageProperties, []encoding.MarshalField{
		{Value: p.MessageID, Omit: p.MessageID == nil},
		{Value: p.UserID, Omit: len(p.UserID) == 0},
		{Value: p.To, Omit: p.To == ""},
		{Value: p.Subject, Omit: p.Subject == ""},
		{Value: p.ReplyTo, Omit: p.ReplyTo == ""},
		{Value: p.CorrelationID, Omit: p.CorrelationID == nil},
		{Value: p.ContentType, Omit: p.ContentType == ""},
		{Value: p.ContentEncoding, Omit: p.ContentEncoding == ""},
		{Value: p.AbsoluteExpiryTime, Omit: p.AbsoluteExpiryTime.IsZero()},
		{Value: p.CreationTime, Omit: p.CreationTime.IsZero()},
		{Value: p.GroupID, Omit: p.GroupID == ""},
		{Value: p.GroupSequence, Omit: p.GroupSequence == 0},
		{Value: p.ReplyToGroupID, Omit: p.ReplyToGroupID == ""},
	})
}

func (p *MessageProperties) unmarshal(r *buffer.Buffer) error {
	return frames.UnmarshalComposite(r, encoding.TypeCodeMessageProperties,
		frames.UnmarshalField{Field: &p.MessageID},
		frames.UnmarshalField{Field: &p.UserID},
		frames.UnmarshalField{Field: &p.To},
		frames.UnmarshalField{Field: &p.Subject},
		frames.UnmarshalField{Field: &p.ReplyTo},
		frames.UnmarshalField{Field: &p.CorrelationID},
		frames.UnmarshalField{Field: &p.ContentType},
		frames.UnmarshalField{Field: &p.ContentEncoding},
		frames.UnmarshalField{Field: &p.AbsoluteExpiryTime},
		frames.UnmarshalField{Field: &p.CreationTime},
		frames.UnmarshalField{Field: &p.GroupID},
		frames.UnmarshalField{Field: &p.GroupSequence},
		frames.UnmarshalField{Field: &p.ReplyToGroupID},
	)
}

// Message is one AMQP application message: an optional header, optional
// annotation/property sections, a body in exactly one of the three
// forms the spec allows (opaque Data sections, AMQPSequence sections,
// or a single AMQPValue), and an optional footer.
//
// DeliveryTag and Format are transfer-scoped, not part of the bare
// message, but travel with it through Sender.Send for convenience.
type Message struct {
	Header                *MessageHeader
	DeliveryAnnotations   encoding.Annotations
	Annotations           encoding.Annotations
	Properties            *MessageProperties
	ApplicationProperties map[string]interface{}
	Data                  [][]byte
	Sequence              [][]interface{}
	Value                 interface{}
	Footer                encoding.Annotations

	DeliveryTag []byte
	Format      uint32
	// SendSettled marks this particular delivery settled when the
	// sender's settlement mode is ModeMixed.
	SendSettled bool
	// TxnID is set on a received Message whose Transfer carried a
	// TransactionalState, identifying the transaction it was posted
	// under. Empty for non-transactional deliveries.
	TxnID []byte
}

func (m *Message) bodySections() int {
	n := 0
	if len(m.Data) > 0 {
		n++
	}
	if len(m.Sequence) > 0 {
		n++
	}
	if m.Value != nil {
		n++
	}
	return n
}

// Marshal appends the wire encoding of m's sections to wr: header,
// delivery-annotations, message-annotations, properties,
// application-properties, body (Data xor Sequence xor Value), footer.
// Per the AMQP spec a message carries exactly one body form; Marshal
// returns an error if more than one is populated.
func (m *Message) Marshal(wr *buffer.Buffer) error {
	if m.bodySections() > 1 {
		return fmt.Errorf("amqp: message has more than one body section type set")
	}

	if m.Header != nil {
		if err := m.Header.marshal(wr); err != nil {
			return err
		}
	}
	if len(m.DeliveryAnnotations) > 0 {
		if err := encoding.MarshalComposite(wr, encoding.TypeCodeDeliveryAnnotations, []encoding.MarshalField{
			{Value: mapAnnotations(m.DeliveryAnnotations)},
		}); err != nil {
			return err
		}
	}
	if len(m.Annotations) > 0 {
		if err := encoding.MarshalComposite(wr, encoding.TypeCodeMessageAnnotations, []encoding.MarshalField{
			{Value: mapAnnotations(m.Annotations)},
		}); err != nil {
			return err
		}
	}
	if m.Properties != nil {
		if err := m.Properties.marshal(wr); err != nil {
			return err
		}
	}
	if len(m.ApplicationProperties) > 0 {
		if err := encoding.MarshalComposite(wr, encoding.TypeCodeApplicationProperties, []encoding.MarshalField{
			{Value: mapStringToAny(m.ApplicationProperties)},
		}); err != nil {
			return err
		}
	}

	for _, data := range m.Data {
		if err := encoding.MarshalComposite(wr, encoding.TypeCodeApplicationData, []encoding.MarshalField{
			{Value: data},
		}); err != nil {
			return err
		}
	}
	for _, seq := range m.Sequence {
		if err := encoding.MarshalComposite(wr, encoding.TypeCodeAMQPSequence, []encoding.MarshalField{
			{Value: seq},
		}); err != nil {
			return err
		}
	}
	if m.Value != nil || m.bodySections() == 0 {
		if err := encoding.MarshalComposite(wr, encoding.TypeCodeAMQPValue, []encoding.MarshalField{
			{Value: m.Value},
		}); err != nil {
			return err
		}
	}

	if len(m.Footer) > 0 {
		return encoding.MarshalComposite(wr, encoding.TypeCodeFooter, []encoding.MarshalField{
			{Value: mapAnnotations(m.Footer)},
		})
	}
	return nil
}

// Unmarshal decodes a complete sequence of message sections from r (the
// reassembled payload of one or more Transfer frames) into m.
func (m *Message) Unmarshal(r *buffer.Buffer) error {
	m.Header = nil
	m.DeliveryAnnotations = nil
	m.Annotations = nil
	m.Properties = nil
	m.ApplicationProperties = nil
	m.Data = nil
	m.Sequence = nil
	m.Value = nil
	m.Footer = nil
	for r.Len() > 0 {
		code, err := encoding.PeekDescriptorCode(r)
		if err != nil {
			return err
		}
		switch code {
		case encoding.TypeCodeMessageHeader:
			m.Header = new(MessageHeader)
			if err := m.Header.unmarshal(r); err != nil {
				return err
			}
		case encoding.TypeCodeDeliveryAnnotations:
			var am map[interface{}]interface{}
			if err := frames.UnmarshalComposite(r, code, frames.UnmarshalField{Field: &am}); err != nil {
				return err
			}
			m.DeliveryAnnotations = encoding.Annotations(am)
		case encoding.TypeCodeMessageAnnotations:
			var am map[interface{}]interface{}
			if err := frames.UnmarshalComposite(r, code, frames.UnmarshalField{Field: &am}); err != nil {
				return err
			}
			m.Annotations = encoding.Annotations(am)
		case encoding.TypeCodeMessageProperties:
			m.Properties = new(MessageProperties)
			if err := m.Properties.unmarshal(r); err != nil {
				return err
			}
		case encoding.TypeCodeApplicationProperties:
			var am map[interface{}]interface{}
			if err := frames.UnmarshalComposite(r, code, frames.UnmarshalField{Field: &am}); err != nil {
				return err
			}
			m.ApplicationProperties = anyMapToStringMap(am)
		case encoding.TypeCodeApplicationData:
			var data []byte
			if err := frames.UnmarshalComposite(r, code, frames.UnmarshalField{Field: &data}); err != nil {
				return err
			}
			m.Data = append(m.Data, data)
		case encoding.TypeCodeAMQPSequence:
			var seq []interface{}
			if err := frames.UnmarshalComposite(r, code, frames.UnmarshalField{Field: &seq}); err != nil {
				return err
			}
			m.Sequence = append(m.Sequence, seq)
		case encoding.TypeCodeAMQPValue:
			var v interface{}
			if err := frames.UnmarshalComposite(r, code, frames.UnmarshalField{Field: &v}); err != nil {
				return err
			}
			m.Value = v
		case encoding.TypeCodeFooter:
			var am map[interface{}]interface{}
			if err := frames.UnmarshalComposite(r, code, frames.UnmarshalField{Field: &am}); err != nil {
				return err
			}
			m.Footer = encoding.Annotations(am)
		default:
			return fmt.Errorf("amqp: unexpected message section descriptor %#x", code)
		}
	}
	return nil
}

func mapAnnotations(a encoding.Annotations) map[interface{}]interface{} {
	return map[interface{}]interface{}(a)
}

func mapStringToAny(m map[string]interface{}) map[interface{}]interface{} {
	out := make(map[interface{}]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func anyMapToStringMap(m map[interface{}]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if s, ok := k.(string); ok {
			out[s] = v
			continue
		}
		if s, ok := k.(encoding.Symbol); ok {
			out[string(s)] = v
		}
	}
	return out
}
