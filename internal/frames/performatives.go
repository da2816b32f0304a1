package frames

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/thornwright/amqp1/internal/buffer"
	"github.com/thornwright/amqp1/internal/encoding"
)

// Unsettled is the attach frame's resumed-delivery state map, keyed by
// delivery-tag.
type Unsettled map[string]encoding.DeliveryState

/*
<type name="open" class="composite" source="list" provides="frame">
    <descriptor name="amqp:open:list" code="0x00000000:0x00000010"/>
</type>
*/

// PerformOpen is the first frame sent on a connection, negotiating the
// container identity, framing limits, and capabilities of each peer.
type PerformOpen struct {
	ContainerID         string // required
	Hostname            string
	MaxFrameSize        uint32 // default: 4294967295
	ChannelMax          uint16 // default: 65535
	IdleTimeout         time.Duration
	OutgoingLocales     encoding.Multiple[encoding.Symbol]
	IncomingLocales     encoding.Multiple[encoding.Symbol]
	OfferedCapabilities encoding.Multiple[encoding.Symbol]
	DesiredCapabilities encoding.Multiple[encoding.Symbol]
	Properties          map[encoding.Symbol]interface{}
}

func (o *PerformOpen) frameBody() {}

func (o *PerformOpen) String() string {
	return fmt.Sprintf("Open{ContainerID: %s, Hostname: %s, MaxFrameSize: %d, ChannelMax: %d, "+
		"IdleTimeout: %v, OutgoingLocales: %v, IncomingLocales: %v, OfferedCapabilities: %v, "+
		"DesiredCapabilities: %v, Properties: %v}",
		o.ContainerID, o.Hostname, o.MaxFrameSize, o.ChannelMax, o.IdleTimeout,
		o.OutgoingLocales, o.IncomingLocales, o.OfferedCapabilities, o.DesiredCapabilities, o.Properties)
}

func (o *PerformOpen) marshal(wr *buffer.Buffer) error {
	ms := encoding.Milliseconds(o.IdleTimeout)
	return encoding.MarshalComposite(wr, TypeCodeOpen, []encoding.MarshalField{
		{Value: &o.ContainerID},
		{Value: &o.Hostname, Omit: o.Hostname == ""},
		{Value: &o.MaxFrameSize, Omit: o.MaxFrameSize == 4294967295},
		{Value: &o.ChannelMax, Omit: o.ChannelMax == 65535},
		{Value: &ms, Omit: o.IdleTimeout == 0},
		{Value: o.OutgoingLocales, Omit: len(o.OutgoingLocales) == 0},
		{Value: o.IncomingLocales, Omit: len(o.IncomingLocales) == 0},
		{Value: o.OfferedCapabilities, Omit: len(o.OfferedCapabilities) == 0},
		{Value: o.DesiredCapabilities, Omit: len(o.DesiredCapabilities) == 0},
		{Value: o.Properties, Omit: len(o.Properties) == 0},
	})
}

func (o *PerformOpen) unmarshal(r *buffer.Buffer) error {
	var ms encoding.Milliseconds
	err := UnmarshalComposite(r, TypeCodeOpen,
		UnmarshalField{Field: &o.ContainerID, HandleNull: func() error { return errors.New("Open.ContainerID is required") }},
		UnmarshalField{Field: &o.Hostname},
		UnmarshalField{Field: &o.MaxFrameSize, HandleNull: func() error { o.MaxFrameSize = 4294967295; return nil }},
		UnmarshalField{Field: &o.ChannelMax, HandleNull: func() error { o.ChannelMax = 65535; return nil }},
		UnmarshalField{Field: &ms},
		UnmarshalField{Field: &o.OutgoingLocales},
		UnmarshalField{Field: &o.IncomingLocales},
		UnmarshalField{Field: &o.OfferedCapabilities},
		UnmarshalField{Field: &o.DesiredCapabilities},
		UnmarshalField{Field: &o.Properties},
	)
	o.IdleTimeout = time.Duration(ms)
	return err
}

/*
<type name="begin" class="composite" source="list" provides="frame">
    <descriptor name="amqp:begin:list" code="0x00000000:0x00000011"/>
</type>
*/

// PerformBegin begins a Session on a channel, establishing the
// transfer-id window each side starts with.
type PerformBegin struct {
	RemoteChannel       *uint16
	NextOutgoingID      uint32 // required
	IncomingWindow      uint32 // required
	OutgoingWindow      uint32 // required
	HandleMax           uint32 // default: 4294967295
	OfferedCapabilities encoding.Multiple[encoding.Symbol]
	DesiredCapabilities encoding.Multiple[encoding.Symbol]
	Properties          map[encoding.Symbol]interface{}
}

func (b *PerformBegin) frameBody() {}

func (b *PerformBegin) String() string {
	return fmt.Sprintf("Begin{RemoteChannel: %s, NextOutgoingID: %d, IncomingWindow: %d, OutgoingWindow: %d, "+
		"HandleMax: %d, OfferedCapabilities: %v, DesiredCapabilities: %v, Properties: %v}",
		formatUint16Ptr(b.RemoteChannel), b.NextOutgoingID, b.IncomingWindow, b.OutgoingWindow,
		b.HandleMax, b.OfferedCapabilities, b.DesiredCapabilities, b.Properties)
}

func (b *PerformBegin) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, TypeCodeBegin, []encoding.MarshalField{
		{Value: b.RemoteChannel, Omit: b.RemoteChannel == nil},
		{Value: &b.NextOutgoingID},
		{Value: &b.IncomingWindow},
		{Value: &b.OutgoingWindow},
		{Value: &b.HandleMax, Omit: b.HandleMax == 4294967295},
		{Value: b.OfferedCapabilities, Omit: len(b.OfferedCapabilities) == 0},
		{Value: b.DesiredCapabilities, Omit: len(b.DesiredCapabilities) == 0},
		{Value: b.Properties, Omit: len(b.Properties) == 0},
	})
}

func (b *PerformBegin) unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeBegin,
		UnmarshalField{Field: &b.RemoteChannel},
		UnmarshalField{Field: &b.NextOutgoingID, HandleNull: func() error { return errors.New("Begin.NextOutgoingID is required") }},
		UnmarshalField{Field: &b.IncomingWindow, HandleNull: func() error { return errors.New("Begin.IncomingWindow is required") }},
		UnmarshalField{Field: &b.OutgoingWindow, HandleNull: func() error { return errors.New("Begin.OutgoingWindow is required") }},
		UnmarshalField{Field: &b.HandleMax, HandleNull: func() error { b.HandleMax = 4294967295; return nil }},
		UnmarshalField{Field: &b.OfferedCapabilities},
		UnmarshalField{Field: &b.DesiredCapabilities},
		UnmarshalField{Field: &b.Properties},
	)
}

/*
<type name="attach" class="composite" source="list" provides="frame">
    <descriptor name="amqp:attach:list" code="0x00000000:0x00000012"/>
</type>
*/

// PerformAttach creates or resumes a Link between a Source and Target.
type PerformAttach struct {
	Name                 string // required
	Handle               uint32 // required
	Role                 encoding.Role
	SenderSettleMode     *encoding.SenderSettleMode
	ReceiverSettleMode   *encoding.ReceiverSettleMode
	Source               *encoding.Source
	Target               encoding.AttachTarget
	Unsettled            Unsettled
	IncompleteUnsettled  bool
	InitialDeliveryCount uint32
	MaxMessageSize       uint64
	OfferedCapabilities  encoding.Multiple[encoding.Symbol]
	DesiredCapabilities  encoding.Multiple[encoding.Symbol]
	Properties           map[encoding.Symbol]interface{}
}

func (a *PerformAttach) frameBody() {}

func (a *PerformAttach) String() string {
	return fmt.Sprintf("Attach{Name: %s, Handle: %d, Role: %s, SenderSettleMode: %v, ReceiverSettleMode: %v, "+
		"Source: %v, Target: %v, Unsettled: %v, IncompleteUnsettled: %t, InitialDeliveryCount: %d, "+
		"MaxMessageSize: %d, OfferedCapabilities: %v, DesiredCapabilities: %v, Properties: %v}",
		a.Name, a.Handle, a.Role, a.SenderSettleMode, a.ReceiverSettleMode, a.Source, a.Target,
		a.Unsettled, a.IncompleteUnsettled, a.InitialDeliveryCount, a.MaxMessageSize,
		a.OfferedCapabilities, a.DesiredCapabilities, a.Properties)
}

func (a *PerformAttach) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, TypeCodeAttach, []encoding.MarshalField{
		{Value: &a.Name},
		{Value: &a.Handle},
		{Value: &a.Role},
		{Value: a.SenderSettleMode, Omit: a.SenderSettleMode == nil},
		{Value: a.ReceiverSettleMode, Omit: a.ReceiverSettleMode == nil},
		{Value: a.Source, Omit: a.Source == nil},
		{Value: a.Target, Omit: a.Target == nil},
		{Value: a.Unsettled, Omit: len(a.Unsettled) == 0},
		{Value: &a.IncompleteUnsettled, Omit: !a.IncompleteUnsettled},
		{Value: &a.InitialDeliveryCount, Omit: bool(a.Role)},
		{Value: &a.MaxMessageSize, Omit: a.MaxMessageSize == 0},
		{Value: a.OfferedCapabilities, Omit: len(a.OfferedCapabilities) == 0},
		{Value: a.DesiredCapabilities, Omit: len(a.DesiredCapabilities) == 0},
		{Value: a.Properties, Omit: len(a.Properties) == 0},
	})
}

func (a *PerformAttach) unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeAttach,
		UnmarshalField{Field: &a.Name, HandleNull: func() error { return errors.New("Attach.Name is required") }},
		UnmarshalField{Field: &a.Handle, HandleNull: func() error { return errors.New("Attach.Handle is required") }},
		UnmarshalField{Field: &a.Role, HandleNull: func() error { return errors.New("Attach.Role is required") }},
		UnmarshalField{Field: &a.SenderSettleMode},
		UnmarshalField{Field: &a.ReceiverSettleMode},
		UnmarshalField{Field: &a.Source},
		UnmarshalField{Field: &a.Target},
		UnmarshalField{Field: &a.Unsettled},
		UnmarshalField{Field: &a.IncompleteUnsettled},
		UnmarshalField{Field: &a.InitialDeliveryCount},
		UnmarshalField{Field: &a.MaxMessageSize},
		UnmarshalField{Field: &a.OfferedCapabilities},
		UnmarshalField{Field: &a.DesiredCapabilities},
		UnmarshalField{Field: &a.Properties},
	)
}

/*
<type name="flow" class="composite" source="list" provides="frame">
    <descriptor name="amqp:flow:list" code="0x00000000:0x00000013"/>
</type>
*/

// PerformFlow updates session- and, optionally, link-level flow
// control state (windows and link credit).
type PerformFlow struct {
	NextIncomingID *uint32
	IncomingWindow uint32 // required
	NextOutgoingID uint32 // required
	OutgoingWindow uint32 // required
	Handle         *uint32
	DeliveryCount  *uint32
	LinkCredit     *uint32
	Available      *uint32
	Drain          bool
	Echo           bool
	Properties     map[encoding.Symbol]interface{}
}

func (f *PerformFlow) frameBody() {}

func (f *PerformFlow) String() string {
	return fmt.Sprintf("Flow{NextIncomingID: %s, IncomingWindow: %d, NextOutgoingID: %d, OutgoingWindow: %d, "+
		"Handle: %s, DeliveryCount: %s, LinkCredit: %s, Available: %s, Drain: %t, Echo: %t, Properties: %v}",
		formatUint32Ptr(f.NextIncomingID), f.IncomingWindow, f.NextOutgoingID, f.OutgoingWindow,
		formatUint32Ptr(f.Handle), formatUint32Ptr(f.DeliveryCount), formatUint32Ptr(f.LinkCredit),
		formatUint32Ptr(f.Available), f.Drain, f.Echo, f.Properties)
}

func (f *PerformFlow) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, TypeCodeFlow, []encoding.MarshalField{
		{Value: f.NextIncomingID, Omit: f.NextIncomingID == nil},
		{Value: &f.IncomingWindow},
		{Value: &f.NextOutgoingID},
		{Value: &f.OutgoingWindow},
		{Value: f.Handle, Omit: f.Handle == nil},
		{Value: f.DeliveryCount, Omit: f.DeliveryCount == nil},
		{Value: f.LinkCredit, Omit: f.LinkCredit == nil},
		{Value: f.Available, Omit: f.Available == nil},
		{Value: &f.Drain, Omit: !f.Drain},
		{Value: &f.Echo, Omit: !f.Echo},
		{Value: f.Properties, Omit: len(f.Properties) == 0},
	})
}

func (f *PerformFlow) unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeFlow,
		UnmarshalField{Field: &f.NextIncomingID},
		UnmarshalField{Field: &f.IncomingWindow, HandleNull: func() error { return errors.New("Flow.IncomingWindow is required") }},
		UnmarshalField{Field: &f.NextOutgoingID, HandleNull: func() error { return errors.New("Flow.NextOutgoingID is required") }},
		UnmarshalField{Field: &f.OutgoingWindow, HandleNull: func() error { return errors.New("Flow.OutgoingWindow is required") }},
		UnmarshalField{Field: &f.Handle},
		UnmarshalField{Field: &f.DeliveryCount},
		UnmarshalField{Field: &f.LinkCredit},
		UnmarshalField{Field: &f.Available},
		UnmarshalField{Field: &f.Drain},
		UnmarshalField{Field: &f.Echo},
		UnmarshalField{Field: &f.Properties},
	)
}

/*
<type name="transfer" class="composite" source="list" provides="frame">
    <descriptor name="amqp:transfer:list" code="0x00000000:0x00000014"/>
</type>
*/

// PerformTransfer carries (a fragment of) a message on a Link.
type PerformTransfer struct {
	Handle             uint32 // required
	DeliveryID         *uint32
	DeliveryTag        []byte
	MessageFormat      *uint32
	Settled            bool
	More               bool
	ReceiverSettleMode *encoding.ReceiverSettleMode
	State              encoding.DeliveryState
	Resume             bool
	Aborted            bool
	Batchable          bool

	Payload []byte

	// Done, if non-nil, is closed by the session once the transfer has
	// been written (Settled), or receives the outcome from the first
	// Disposition naming the delivery (unsettled).
	Done chan encoding.DeliveryState
}

func (t *PerformTransfer) frameBody() {}

func (t *PerformTransfer) String() string {
	tag := "<nil>"
	if t.DeliveryTag != nil {
		tag = fmt.Sprintf("%q", t.DeliveryTag)
	}
	return fmt.Sprintf("Transfer{Handle: %d, DeliveryID: %s, DeliveryTag: %s, MessageFormat: %s, "+
		"Settled: %t, More: %t, ReceiverSettleMode: %v, State: %v, Resume: %t, Aborted: %t, "+
		"Batchable: %t, Payload[len]: %d}",
		t.Handle, formatUint32Ptr(t.DeliveryID), tag, formatUint32Ptr(t.MessageFormat),
		t.Settled, t.More, t.ReceiverSettleMode, t.State, t.Resume, t.Aborted, t.Batchable, len(t.Payload))
}

func (t *PerformTransfer) marshal(wr *buffer.Buffer) error {
	err := encoding.MarshalComposite(wr, TypeCodeTransfer, []encoding.MarshalField{
		{Value: &t.Handle},
		{Value: t.DeliveryID, Omit: t.DeliveryID == nil},
		{Value: t.DeliveryTag, Omit: len(t.DeliveryTag) == 0},
		{Value: t.MessageFormat, Omit: t.MessageFormat == nil},
		{Value: &t.Settled, Omit: !t.Settled},
		{Value: &t.More, Omit: !t.More},
		{Value: t.ReceiverSettleMode, Omit: t.ReceiverSettleMode == nil},
		{Value: t.State, Omit: t.State == nil},
		{Value: &t.Resume, Omit: !t.Resume},
		{Value: &t.Aborted, Omit: !t.Aborted},
		{Value: &t.Batchable, Omit: !t.Batchable},
	})
	if err != nil {
		return err
	}
	wr.Write(t.Payload)
	return nil
}

func (t *PerformTransfer) unmarshal(r *buffer.Buffer) error {
	err := UnmarshalComposite(r, TypeCodeTransfer,
		UnmarshalField{Field: &t.Handle, HandleNull: func() error { return errors.New("Transfer.Handle is required") }},
		UnmarshalField{Field: &t.DeliveryID},
		UnmarshalField{Field: &t.DeliveryTag},
		UnmarshalField{Field: &t.MessageFormat},
		UnmarshalField{Field: &t.Settled},
		UnmarshalField{Field: &t.More},
		UnmarshalField{Field: &t.ReceiverSettleMode},
		UnmarshalField{Field: &t.State},
		UnmarshalField{Field: &t.Resume},
		UnmarshalField{Field: &t.Aborted},
		UnmarshalField{Field: &t.Batchable},
	)
	if err != nil {
		return err
	}
	t.Payload = append([]byte(nil), r.Bytes()...)
	return nil
}

/*
<type name="disposition" class="composite" source="list" provides="frame">
    <descriptor name="amqp:disposition:list" code="0x00000000:0x00000015"/>
</type>
*/

// PerformDisposition communicates, in bulk over [First,Last], the
// outcome of one or more deliveries.
type PerformDisposition struct {
	Role      encoding.Role
	First     uint32 // required
	Last      *uint32
	Settled   bool
	State     encoding.DeliveryState
	Batchable bool
}

func (d *PerformDisposition) frameBody() {}

func (d *PerformDisposition) String() string {
	return fmt.Sprintf("Disposition{Role: %s, First: %d, Last: %s, Settled: %t, State: %v, Batchable: %t}",
		d.Role, d.First, formatUint32Ptr(d.Last), d.Settled, d.State, d.Batchable)
}

func (d *PerformDisposition) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, TypeCodeDisposition, []encoding.MarshalField{
		{Value: &d.Role},
		{Value: &d.First},
		{Value: d.Last, Omit: d.Last == nil},
		{Value: &d.Settled, Omit: !d.Settled},
		{Value: d.State, Omit: d.State == nil},
		{Value: &d.Batchable, Omit: !d.Batchable},
	})
}

func (d *PerformDisposition) unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeDisposition,
		UnmarshalField{Field: &d.Role, HandleNull: func() error { return errors.New("Disposition.Role is required") }},
		UnmarshalField{Field: &d.First, HandleNull: func() error { return errors.New("Disposition.First is required") }},
		UnmarshalField{Field: &d.Last},
		UnmarshalField{Field: &d.Settled},
		UnmarshalField{Field: &d.State},
		UnmarshalField{Field: &d.Batchable},
	)
}

/*
<type name="detach" class="composite" source="list" provides="frame">
    <descriptor name="amqp:detach:list" code="0x00000000:0x00000016"/>
</type>
*/

// PerformDetach ends a Link, optionally carrying the error that caused it.
type PerformDetach struct {
	Handle uint32 // required
	Closed bool
	Error  *encoding.Error
}

func (d *PerformDetach) frameBody() {}

func (d *PerformDetach) String() string {
	return fmt.Sprintf("Detach{Handle: %d, Closed: %t, Error: %v}", d.Handle, d.Closed, d.Error)
}

func (d *PerformDetach) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, TypeCodeDetach, []encoding.MarshalField{
		{Value: &d.Handle},
		{Value: &d.Closed, Omit: !d.Closed},
		{Value: d.Error, Omit: d.Error == nil},
	})
}

func (d *PerformDetach) unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeDetach,
		UnmarshalField{Field: &d.Handle, HandleNull: func() error { return errors.New("Detach.Handle is required") }},
		UnmarshalField{Field: &d.Closed},
		UnmarshalField{Field: &d.Error},
	)
}

/*
<type name="end" class="composite" source="list" provides="frame">
    <descriptor name="amqp:end:list" code="0x00000000:0x00000017"/>
</type>
*/

// PerformEnd ends a Session, optionally carrying the error that caused it.
type PerformEnd struct {
	Error *encoding.Error
}

func (e *PerformEnd) frameBody() {}

func (e *PerformEnd) String() string { return fmt.Sprintf("End{Error: %v}", e.Error) }

func (e *PerformEnd) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, TypeCodeEnd, []encoding.MarshalField{
		{Value: e.Error, Omit: e.Error == nil},
	})
}

func (e *PerformEnd) unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeEnd, UnmarshalField{Field: &e.Error})
}

/*
<type name="close" class="composite" source="list" provides="frame">
    <descriptor name="amqp:close:list" code="0x00000000:0x00000018"/>
</type>
*/

// PerformClose ends a Connection, optionally carrying the error that caused it.
type PerformClose struct {
	Error *encoding.Error
}

func (c *PerformClose) frameBody() {}

func (c *PerformClose) String() string { return fmt.Sprintf("Close{Error: %v}", c.Error) }

func (c *PerformClose) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, TypeCodeClose, []encoding.MarshalField{
		{Value: c.Error, Omit: c.Error == nil},
	})
}

func (c *PerformClose) unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeClose, UnmarshalField{Field: &c.Error})
}
