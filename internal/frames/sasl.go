package frames

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/thornwright/amqp1/internal/buffer"
	"github.com/thornwright/amqp1/internal/encoding"
)

// SASLCode is the outcome code of a SASL negotiation.
type SASLCode uint8

const (
	SASLCodeOK      SASLCode = iota // authentication succeeded
	SASLCodeAuth                    // failed due to bad credentials
	SASLCodeSys                     // failed due to a system error
	SASLCodeSysPerm                 // failed due to an unrecoverable system error
	SASLCodeSysTemp                 // failed due to a transient system error
)

func (c *SASLCode) Marshal(wr *buffer.Buffer) error {
	return encoding.Marshal(wr, uint8(*c))
}

func (c *SASLCode) Unmarshal(r *buffer.Buffer) error {
	var v uint8
	if err := encoding.Unmarshal(r, &v); err != nil {
		return err
	}
	*c = SASLCode(v)
	return nil
}

/*
<type name="sasl-mechanisms" class="composite" source="list" provides="sasl-frame">
    <descriptor name="amqp:sasl-mechanisms:list" code="0x00000000:0x00000040"/>
</type>
*/

// SASLMechanisms advertises the SASL mechanisms the server supports.
type SASLMechanisms struct {
	Mechanisms encoding.Multiple[encoding.Symbol]
}

func (sm *SASLMechanisms) frameBody() {}

func (sm *SASLMechanisms) String() string {
	return fmt.Sprintf("SaslMechanisms{Mechanisms: %v}", sm.Mechanisms)
}

func (sm *SASLMechanisms) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, TypeCodeSASLMechanisms, []encoding.MarshalField{
		{Value: sm.Mechanisms},
	})
}

func (sm *SASLMechanisms) unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeSASLMechanisms,
		UnmarshalField{Field: &sm.Mechanisms, HandleNull: func() error { return errors.New("SaslMechanisms.Mechanisms is required") }},
	)
}

/*
<type name="sasl-init" class="composite" source="list" provides="sasl-frame">
    <descriptor name="amqp:sasl-init:list" code="0x00000000:0x00000041"/>
</type>
*/

// SASLInit selects a mechanism and supplies the initial response.
type SASLInit struct {
	Mechanism       encoding.Symbol
	InitialResponse []byte
	Hostname        string
}

func (si *SASLInit) frameBody() {}

func (si *SASLInit) String() string {
	// elide InitialResponse: it may contain a plaintext secret.
	return fmt.Sprintf("SaslInit{Mechanism: %s, InitialResponse: ********, Hostname: %s}", si.Mechanism, si.Hostname)
}

func (si *SASLInit) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, TypeCodeSASLInit, []encoding.MarshalField{
		{Value: &si.Mechanism},
		{Value: si.InitialResponse, Omit: len(si.InitialResponse) == 0},
		{Value: &si.Hostname, Omit: si.Hostname == ""},
	})
}

func (si *SASLInit) unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeSASLInit,
		UnmarshalField{Field: &si.Mechanism, HandleNull: func() error { return errors.New("SaslInit.Mechanism is required") }},
		UnmarshalField{Field: &si.InitialResponse},
		UnmarshalField{Field: &si.Hostname},
	)
}

/*
<type name="sasl-challenge" class="composite" source="list" provides="sasl-frame">
    <descriptor name="amqp:sasl-challenge:list" code="0x00000000:0x00000042"/>
</type>
*/

// SASLChallenge carries a server challenge mid-negotiation.
type SASLChallenge struct {
	Challenge []byte
}

func (sc *SASLChallenge) frameBody() {}

func (sc *SASLChallenge) String() string { return "SaslChallenge{Challenge: ********}" }

func (sc *SASLChallenge) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, TypeCodeSASLChallenge, []encoding.MarshalField{
		{Value: sc.Challenge},
	})
}

func (sc *SASLChallenge) unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeSASLChallenge,
		UnmarshalField{Field: &sc.Challenge, HandleNull: func() error { return errors.New("SaslChallenge.Challenge is required") }},
	)
}

/*
<type name="sasl-response" class="composite" source="list" provides="sasl-frame">
    <descriptor name="amqp:sasl-response:list" code="0x00000000:0x00000043"/>
</type>
*/

// SASLResponse answers a server challenge.
type SASLResponse struct {
	Response []byte
}

func (sr *SASLResponse) frameBody() {}

func (sr *SASLResponse) String() string { return "SaslResponse{Response: ********}" }

func (sr *SASLResponse) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, TypeCodeSASLResponse, []encoding.MarshalField{
		{Value: sr.Response},
	})
}

func (sr *SASLResponse) unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeSASLResponse,
		UnmarshalField{Field: &sr.Response, HandleNull: func() error { return errors.New("SaslResponse.Response is required") }},
	)
}

/*
<type name="sasl-outcome" class="composite" source="list" provides="sasl-frame">
    <descriptor name="amqp:sasl-outcome:list" code="0x00000000:0x00000044"/>
</type>
*/

// SASLOutcome concludes SASL negotiation with a code and, on success,
// any additional data the mechanism defines.
type SASLOutcome struct {
	Code           SASLCode
	AdditionalData []byte
}

func (so *SASLOutcome) frameBody() {}

func (so *SASLOutcome) String() string {
	return fmt.Sprintf("SaslOutcome{Code: %v, AdditionalData: %v}", so.Code, so.AdditionalData)
}

func (so *SASLOutcome) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, TypeCodeSASLOutcome, []encoding.MarshalField{
		{Value: &so.Code},
		{Value: so.AdditionalData, Omit: len(so.AdditionalData) == 0},
	})
}

func (so *SASLOutcome) unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeSASLOutcome,
		UnmarshalField{Field: &so.Code, HandleNull: func() error { return errors.New("SaslOutcome.Code is required") }},
		UnmarshalField{Field: &so.AdditionalData},
	)
}
