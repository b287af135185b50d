// Package pdu implements the DICOM Upper Layer Protocol Data Units defined
// in PS3.8: typed encode/decode of the seven PDU types and the presentation
// context negotiation rules.
//
// Decoding walks the declared lengths defensively: no embedded item or
// sub-item length is ever trusted beyond the outer PDU boundary, and inbound
// PDUs larger than the channel's configured maximum are rejected before the
// body is read.
package pdu

import (
	"encoding/binary"
	"fmt"
	"io"

	dicomerr "github.com/dicomtools/printnet/errors"
)

// PDU types
const (
	TypeAssociateRQ = 0x01
	TypeAssociateAC = 0x02
	TypeAssociateRJ = 0x03
	TypePDataTF     = 0x04
	TypeReleaseRQ   = 0x05
	TypeReleaseRP   = 0x06
	TypeAbort       = 0x07
)

// Variable item types inside A-ASSOCIATE-RQ/AC
const (
	itemApplicationContext      = 0x10
	itemPresentationContextRQ   = 0x20
	itemPresentationContextAC   = 0x21
	itemAbstractSyntax          = 0x30
	itemTransferSyntax          = 0x40
	itemUserInformation         = 0x50
	itemMaximumLength           = 0x51
	itemImplementationClassUID  = 0x52
	itemImplementationVersion   = 0x55
)

// DefaultMaxReceiveLength caps the length field of any inbound PDU. A peer
// declaring more than this is treated as malformed.
const DefaultMaxReceiveLength uint32 = 16 * 1024 * 1024

// DefaultMaxPDULength is the max-PDU-length value offered during
// negotiation when the caller does not configure one.
const DefaultMaxPDULength uint32 = 16384

// PDU is implemented by every typed Upper Layer PDU.
type PDU interface {
	// Encode serializes the PDU, including the 6-byte header.
	Encode() []byte
	// Type returns the PDU type byte.
	Type() byte
}

// Raw is one undecoded Upper Layer frame as read off the wire.
type Raw struct {
	PDUType byte
	Data    []byte
}

// ReadRaw reads one complete PDU frame from r. maxLength bounds the declared
// body length; zero selects DefaultMaxReceiveLength.
func ReadRaw(r io.Reader, maxLength uint32) (*Raw, error) {
	if maxLength == 0 {
		maxLength = DefaultMaxReceiveLength
	}

	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	pduType := header[0]
	length := binary.BigEndian.Uint32(header[2:6])
	if length > maxLength {
		return nil, dicomerr.NewMalformedPDU(pduType, "declared length %d exceeds channel maximum %d", length, maxLength)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read PDU body: %w", err)
	}

	return &Raw{PDUType: pduType, Data: data}, nil
}

// Decode converts a raw frame into its typed PDU.
func Decode(raw *Raw) (PDU, error) {
	switch raw.PDUType {
	case TypeAssociateRQ:
		return DecodeAssociateRQ(raw.Data)
	case TypeAssociateAC:
		return DecodeAssociateAC(raw.Data)
	case TypeAssociateRJ:
		return DecodeAssociateRJ(raw.Data)
	case TypePDataTF:
		return DecodePDataTF(raw.Data)
	case TypeReleaseRQ:
		return &ReleaseRQ{}, nil
	case TypeReleaseRP:
		return &ReleaseRP{}, nil
	case TypeAbort:
		return DecodeAbort(raw.Data)
	default:
		return nil, dicomerr.NewMalformedPDU(raw.PDUType, "unknown PDU type")
	}
}

// frame prepends the PDU header to an encoded body.
func frame(pduType byte, body []byte) []byte {
	out := make([]byte, 0, 6+len(body))
	out = append(out, pduType, 0x00)
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(body)))
	out = append(out, length...)
	return append(out, body...)
}

// appendItem appends one variable item (type, reserved, 2-byte BE length,
// value) to buf.
func appendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	length := make([]byte, 2)
	binary.BigEndian.PutUint16(length, uint16(len(value)))
	buf = append(buf, length...)
	return append(buf, value...)
}

// itemWalker iterates the (type, reserved, length, value) item sequence of a
// PDU body or sub-item payload, failing on any length that overruns data.
type itemWalker struct {
	pduType byte
	data    []byte
	offset  int
}

func (w *itemWalker) more() bool {
	return w.offset < len(w.data)
}

func (w *itemWalker) next() (itemType byte, value []byte, err error) {
	if w.offset+4 > len(w.data) {
		return 0, nil, dicomerr.NewMalformedPDU(w.pduType, "truncated item header at offset %d", w.offset)
	}
	itemType = w.data[w.offset]
	length := binary.BigEndian.Uint16(w.data[w.offset+2 : w.offset+4])
	valueStart := w.offset + 4
	valueEnd := valueStart + int(length)
	if valueEnd > len(w.data) {
		return 0, nil, dicomerr.NewMalformedPDU(w.pduType, "item 0x%02x length %d overruns parent", itemType, length)
	}
	w.offset = valueEnd
	return itemType, w.data[valueStart:valueEnd], nil
}

// ReleaseRQ is the A-RELEASE-RQ PDU.
type ReleaseRQ struct{}

// Encode implements PDU.
func (p *ReleaseRQ) Encode() []byte { return frame(TypeReleaseRQ, make([]byte, 4)) }

// Type implements PDU.
func (p *ReleaseRQ) Type() byte { return TypeReleaseRQ }

// ReleaseRP is the A-RELEASE-RP PDU.
type ReleaseRP struct{}

// Encode implements PDU.
func (p *ReleaseRP) Encode() []byte { return frame(TypeReleaseRP, make([]byte, 4)) }

// Type implements PDU.
func (p *ReleaseRP) Type() byte { return TypeReleaseRP }

// Abort is the A-ABORT PDU.
type Abort struct {
	Source byte
	Reason byte
}

// Abort sources
const (
	AbortSourceServiceUser     = 0x00
	AbortSourceServiceProvider = 0x02
)

// Abort reasons (source = service-provider)
const (
	AbortReasonNotSpecified       = 0x00
	AbortReasonUnrecognizedPDU    = 0x01
	AbortReasonUnexpectedPDU      = 0x02
	AbortReasonInvalidPDUParvalue = 0x06
)

// Encode implements PDU.
func (p *Abort) Encode() []byte {
	return frame(TypeAbort, []byte{0x00, 0x00, p.Source, p.Reason})
}

// Type implements PDU.
func (p *Abort) Type() byte { return TypeAbort }

// DecodeAbort decodes an A-ABORT body.
func DecodeAbort(data []byte) (*Abort, error) {
	if len(data) < 4 {
		return nil, dicomerr.NewMalformedPDU(TypeAbort, "body too short: %d bytes", len(data))
	}
	return &Abort{Source: data[2], Reason: data[3]}, nil
}

// AssociateRJ is the A-ASSOCIATE-RJ PDU.
type AssociateRJ struct {
	Result byte // 1 = rejected-permanent, 2 = rejected-transient
	Source byte
	Reason byte
}

// Encode implements PDU.
func (p *AssociateRJ) Encode() []byte {
	return frame(TypeAssociateRJ, []byte{0x00, p.Result, p.Source, p.Reason})
}

// Type implements PDU.
func (p *AssociateRJ) Type() byte { return TypeAssociateRJ }

// DecodeAssociateRJ decodes an A-ASSOCIATE-RJ body.
func DecodeAssociateRJ(data []byte) (*AssociateRJ, error) {
	if len(data) < 4 {
		return nil, dicomerr.NewMalformedPDU(TypeAssociateRJ, "body too short: %d bytes", len(data))
	}
	return &AssociateRJ{Result: data[1], Source: data[2], Reason: data[3]}, nil
}

// PDV is one Presentation Data Value: a fragment of a Command or Data Set
// stream carried inside a P-DATA-TF PDU.
type PDV struct {
	ContextID byte
	Command   bool
	Last      bool
	Data      []byte
}

// controlHeader builds the message control header byte.
func (v *PDV) controlHeader() byte {
	var h byte
	if v.Command {
		h |= 0x01
	}
	if v.Last {
		h |= 0x02
	}
	return h
}

// PDVHeaderSize is the per-PDV overhead inside a P-DATA-TF body: 4-byte
// length, context ID and control header.
const PDVHeaderSize = 6

// PDataTF is the P-DATA-TF PDU: one or more PDVs.
type PDataTF struct {
	PDVs []PDV
}

// Encode implements PDU.
func (p *PDataTF) Encode() []byte {
	var body []byte
	for i := range p.PDVs {
		v := &p.PDVs[i]
		length := make([]byte, 4)
		binary.BigEndian.PutUint32(length, uint32(len(v.Data)+2))
		body = append(body, length...)
		body = append(body, v.ContextID, v.controlHeader())
		body = append(body, v.Data...)
	}
	return frame(TypePDataTF, body)
}

// Type implements PDU.
func (p *PDataTF) Type() byte { return TypePDataTF }

// DecodePDataTF decodes a P-DATA-TF body into its PDVs.
func DecodePDataTF(data []byte) (*PDataTF, error) {
	out := &PDataTF{}
	offset := 0
	for offset < len(data) {
		if offset+PDVHeaderSize > len(data) {
			return nil, dicomerr.NewMalformedPDU(TypePDataTF, "truncated PDV header at offset %d", offset)
		}
		pdvLength := binary.BigEndian.Uint32(data[offset : offset+4])
		if pdvLength < 2 {
			return nil, dicomerr.NewMalformedPDU(TypePDataTF, "PDV length %d below header size", pdvLength)
		}
		end := offset + 4 + int(pdvLength)
		if end > len(data) {
			return nil, dicomerr.NewMalformedPDU(TypePDataTF, "PDV length %d overruns PDU body", pdvLength)
		}
		controlHeader := data[offset+5]
		out.PDVs = append(out.PDVs, PDV{
			ContextID: data[offset+4],
			Command:   controlHeader&0x01 != 0,
			Last:      controlHeader&0x02 != 0,
			Data:      append([]byte(nil), data[offset+6:end]...),
		})
		offset = end
	}
	if len(out.PDVs) == 0 {
		return nil, dicomerr.NewMalformedPDU(TypePDataTF, "no PDVs in P-DATA-TF")
	}
	return out, nil
}
