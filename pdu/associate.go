package pdu

import (
	"encoding/binary"
	"fmt"
	"strings"

	dicomerr "github.com/dicomtools/printnet/errors"
)

// ProposedContext is one presentation context item from an A-ASSOCIATE-RQ:
// an odd context ID, an abstract syntax and an ordered transfer syntax
// preference list.
type ProposedContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// Presentation context result codes, PS3.8 9.3.3.2.
const (
	ResultAcceptance                   byte = 0x00
	ResultUserRejection                byte = 0x01
	ResultNoReason                     byte = 0x02
	ResultAbstractSyntaxNotSupported   byte = 0x03
	ResultTransferSyntaxesNotSupported byte = 0x04
)

// ContextResult is one presentation context item from an A-ASSOCIATE-AC. On
// acceptance TransferSyntax carries the single selected syntax; on rejection
// it is empty.
type ContextResult struct {
	ID             byte
	Result         byte
	TransferSyntax string
}

// AssociateRQ is the decoded A-ASSOCIATE-RQ PDU.
type AssociateRQ struct {
	ProtocolVersion           uint16
	CalledAETitle             string
	CallingAETitle            string
	Contexts                  []ProposedContext
	MaxPDULength              uint32
	ImplementationClassUID    string
	ImplementationVersionName string
}

// Type implements PDU.
func (p *AssociateRQ) Type() byte { return TypeAssociateRQ }

// AssociateAC is the decoded A-ASSOCIATE-AC PDU.
type AssociateAC struct {
	ProtocolVersion           uint16
	CalledAETitle             string
	CallingAETitle            string
	Results                   []ContextResult
	MaxPDULength              uint32
	ImplementationClassUID    string
	ImplementationVersionName string
}

// Type implements PDU.
func (p *AssociateAC) Type() byte { return TypeAssociateAC }

// padAETitle space-pads an AE title to the fixed 16-byte field.
func padAETitle(title string) []byte {
	out := make([]byte, 16)
	for i := range out {
		out[i] = ' '
	}
	if len(title) > 16 {
		title = title[:16]
	}
	copy(out, title)
	return out
}

// trimAETitle strips trailing NULs and spaces from a 16-byte AE title field.
func trimAETitle(raw []byte) string {
	s := string(raw)
	if idx := strings.IndexByte(s, 0); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// trimUID strips trailing NULs and spaces from a UID value.
func trimUID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

// encodeFixedFields builds the 68-byte fixed prefix shared by RQ and AC.
func encodeFixedFields(protocolVersion uint16, calledAE, callingAE string) []byte {
	buf := make([]byte, 0, 68)
	version := make([]byte, 2)
	binary.BigEndian.PutUint16(version, protocolVersion)
	buf = append(buf, version...)
	buf = append(buf, 0x00, 0x00) // Reserved
	buf = append(buf, padAETitle(calledAE)...)
	buf = append(buf, padAETitle(callingAE)...)
	return append(buf, make([]byte, 32)...) // Reserved
}

// encodeUserInformation builds the 0x50 item with max-length, implementation
// class UID and optional version name sub-items.
func encodeUserInformation(maxPDULength uint32, implClassUID, implVersion string) []byte {
	var sub []byte
	maxLen := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLen, maxPDULength)
	sub = appendItem(sub, itemMaximumLength, maxLen)
	sub = appendItem(sub, itemImplementationClassUID, []byte(implClassUID))
	if implVersion != "" {
		sub = appendItem(sub, itemImplementationVersion, []byte(implVersion))
	}
	return appendItem(nil, itemUserInformation, sub)
}

// Encode implements PDU.
func (p *AssociateRQ) Encode() []byte {
	version := p.ProtocolVersion
	if version == 0 {
		version = 0x0001
	}
	maxPDU := p.MaxPDULength
	if maxPDU == 0 {
		maxPDU = DefaultMaxPDULength
	}

	buf := encodeFixedFields(version, p.CalledAETitle, p.CallingAETitle)
	buf = appendItem(buf, itemApplicationContext, []byte(applicationContextUID))

	for _, ctx := range p.Contexts {
		var body []byte
		body = append(body, ctx.ID, 0x00, 0x00, 0x00)
		body = appendItem(body, itemAbstractSyntax, []byte(ctx.AbstractSyntax))
		for _, ts := range ctx.TransferSyntaxes {
			body = appendItem(body, itemTransferSyntax, []byte(ts))
		}
		buf = appendItem(buf, itemPresentationContextRQ, body)
	}

	buf = append(buf, encodeUserInformation(maxPDU, p.ImplementationClassUID, p.ImplementationVersionName)...)
	return frame(TypeAssociateRQ, buf)
}

// Encode implements PDU.
func (p *AssociateAC) Encode() []byte {
	version := p.ProtocolVersion
	if version == 0 {
		version = 0x0001
	}
	maxPDU := p.MaxPDULength
	if maxPDU == 0 {
		maxPDU = DefaultMaxPDULength
	}

	buf := encodeFixedFields(version, p.CalledAETitle, p.CallingAETitle)
	buf = appendItem(buf, itemApplicationContext, []byte(applicationContextUID))

	for _, res := range p.Results {
		var body []byte
		body = append(body, res.ID, 0x00, res.Result, 0x00)
		// Accepted contexts carry exactly one transfer syntax sub-item,
		// rejected contexts carry none. PS3.8 9.3.3.2.
		if res.Result == ResultAcceptance {
			body = appendItem(body, itemTransferSyntax, []byte(res.TransferSyntax))
		}
		buf = appendItem(buf, itemPresentationContextAC, body)
	}

	buf = append(buf, encodeUserInformation(maxPDU, p.ImplementationClassUID, p.ImplementationVersionName)...)
	return frame(TypeAssociateAC, buf)
}

// applicationContextUID is the single DICOM application context name.
const applicationContextUID = "1.2.840.10008.3.1.1.1"

// decodeAssociateFixed validates and splits the 68-byte fixed prefix.
func decodeAssociateFixed(pduType byte, data []byte) (version uint16, calledAE, callingAE string, rest []byte, err error) {
	if len(data) < 68 {
		return 0, "", "", nil, dicomerr.NewMalformedPDU(pduType, "body too short for fixed fields: %d bytes", len(data))
	}
	version = binary.BigEndian.Uint16(data[0:2])
	calledAE = trimAETitle(data[4:20])
	callingAE = trimAETitle(data[20:36])
	return version, calledAE, callingAE, data[68:], nil
}

// decodeUserInformation extracts the negotiated values from a 0x50 item body.
func decodeUserInformation(pduType byte, data []byte) (maxPDULength uint32, implClassUID, implVersion string, err error) {
	w := &itemWalker{pduType: pduType, data: data}
	for w.more() {
		subType, value, err := w.next()
		if err != nil {
			return 0, "", "", err
		}
		switch subType {
		case itemMaximumLength:
			if len(value) != 4 {
				return 0, "", "", dicomerr.NewMalformedPDU(pduType, "max-length sub-item has %d bytes, want 4", len(value))
			}
			maxPDULength = binary.BigEndian.Uint32(value)
		case itemImplementationClassUID:
			implClassUID = trimUID(value)
		case itemImplementationVersion:
			implVersion = trimUID(value)
		}
	}
	return maxPDULength, implClassUID, implVersion, nil
}

// DecodeAssociateRQ decodes an A-ASSOCIATE-RQ body.
func DecodeAssociateRQ(data []byte) (*AssociateRQ, error) {
	version, calledAE, callingAE, rest, err := decodeAssociateFixed(TypeAssociateRQ, data)
	if err != nil {
		return nil, err
	}

	out := &AssociateRQ{
		ProtocolVersion: version,
		CalledAETitle:   calledAE,
		CallingAETitle:  callingAE,
	}

	w := &itemWalker{pduType: TypeAssociateRQ, data: rest}
	for w.more() {
		itemType, value, err := w.next()
		if err != nil {
			return nil, err
		}
		switch itemType {
		case itemApplicationContext:
			// Value checked only for presence; a mismatched application
			// context is rejected at the negotiation layer.
		case itemPresentationContextRQ:
			ctx, err := decodeProposedContext(value)
			if err != nil {
				return nil, err
			}
			out.Contexts = append(out.Contexts, *ctx)
		case itemUserInformation:
			out.MaxPDULength, out.ImplementationClassUID, out.ImplementationVersionName, err = decodeUserInformation(TypeAssociateRQ, value)
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// decodeProposedContext decodes one 0x20 presentation context item body.
func decodeProposedContext(data []byte) (*ProposedContext, error) {
	if len(data) < 4 {
		return nil, dicomerr.NewMalformedPDU(TypeAssociateRQ, "presentation context item too short: %d bytes", len(data))
	}
	ctx := &ProposedContext{ID: data[0]}

	w := &itemWalker{pduType: TypeAssociateRQ, data: data[4:]}
	for w.more() {
		subType, value, err := w.next()
		if err != nil {
			return nil, err
		}
		switch subType {
		case itemAbstractSyntax:
			ctx.AbstractSyntax = trimUID(value)
		case itemTransferSyntax:
			ctx.TransferSyntaxes = append(ctx.TransferSyntaxes, trimUID(value))
		}
	}

	if ctx.AbstractSyntax == "" {
		return nil, dicomerr.NewMalformedPDU(TypeAssociateRQ, "presentation context %d missing abstract syntax", ctx.ID)
	}
	if len(ctx.TransferSyntaxes) == 0 {
		return nil, dicomerr.NewMalformedPDU(TypeAssociateRQ, "presentation context %d proposes no transfer syntax", ctx.ID)
	}
	return ctx, nil
}

// DecodeAssociateAC decodes an A-ASSOCIATE-AC body.
func DecodeAssociateAC(data []byte) (*AssociateAC, error) {
	version, calledAE, callingAE, rest, err := decodeAssociateFixed(TypeAssociateAC, data)
	if err != nil {
		return nil, err
	}

	out := &AssociateAC{
		ProtocolVersion: version,
		CalledAETitle:   calledAE,
		CallingAETitle:  callingAE,
	}

	w := &itemWalker{pduType: TypeAssociateAC, data: rest}
	for w.more() {
		itemType, value, err := w.next()
		if err != nil {
			return nil, err
		}
		switch itemType {
		case itemPresentationContextAC:
			res, err := decodeContextResult(value)
			if err != nil {
				return nil, err
			}
			out.Results = append(out.Results, *res)
		case itemUserInformation:
			out.MaxPDULength, out.ImplementationClassUID, out.ImplementationVersionName, err = decodeUserInformation(TypeAssociateAC, value)
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// decodeContextResult decodes one 0x21 presentation context item body.
func decodeContextResult(data []byte) (*ContextResult, error) {
	if len(data) < 4 {
		return nil, dicomerr.NewMalformedPDU(TypeAssociateAC, "presentation context result too short: %d bytes", len(data))
	}
	res := &ContextResult{ID: data[0], Result: data[2]}

	w := &itemWalker{pduType: TypeAssociateAC, data: data[4:]}
	for w.more() {
		subType, value, err := w.next()
		if err != nil {
			return nil, err
		}
		if subType == itemTransferSyntax {
			res.TransferSyntax = trimUID(value)
		}
	}

	if res.Result == ResultAcceptance && res.TransferSyntax == "" {
		return nil, dicomerr.NewMalformedPDU(TypeAssociateAC, "accepted context %d missing transfer syntax", res.ID)
	}
	return res, nil
}

// String returns a short diagnostic form of a proposed context.
func (c ProposedContext) String() string {
	return fmt.Sprintf("ctx %d: %s %v", c.ID, c.AbstractSyntax, c.TransferSyntaxes)
}
