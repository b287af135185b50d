// Package dimse implements the DICOM Message Service Element: the command
// set codec, fragmentation of messages into PDVs, reassembly of inbound
// PDVs, and the dispatcher that correlates requests with responses.
package dimse

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/dicomtools/printnet/types"
)

// Command set element tags (group 0000). The command set is always encoded
// Implicit VR Little Endian regardless of the negotiated transfer syntax.
const (
	tagCommandGroupLength        = 0x0000
	tagAffectedSOPClassUID       = 0x0002
	tagRequestedSOPClassUID      = 0x0003
	tagCommandField              = 0x0100
	tagMessageID                 = 0x0110
	tagMessageIDBeingRespondedTo = 0x0120
	tagMoveDestination           = 0x0600
	tagPriority                  = 0x0700
	tagCommandDataSetType        = 0x0800
	tagStatus                    = 0x0900
	tagAffectedSOPInstanceUID    = 0x1000
	tagRequestedSOPInstanceUID   = 0x1001
	tagEventTypeID               = 0x1002
	tagActionTypeID              = 0x1008
	tagRemainingSuboperations    = 0x1020
	tagCompletedSuboperations    = 0x1021
	tagFailedSuboperations       = 0x1022
	tagWarningSuboperations      = 0x1023
)

// appendImplicitElement appends one group-0000 element using Implicit VR.
func appendImplicitElement(buf []byte, element uint16, value []byte) []byte {
	buf = append(buf, 0x00, 0x00)
	buf = append(buf, byte(element), byte(element>>8))
	length := uint32(len(value))
	buf = append(buf, byte(length), byte(length>>8), byte(length>>16), byte(length>>24))
	return append(buf, value...)
}

func appendUIDElement(buf []byte, element uint16, uid string) []byte {
	value := []byte(uid)
	if len(value)%2 == 1 {
		value = append(value, 0x00) // Pad to even
	}
	return appendImplicitElement(buf, element, value)
}

func appendAEElement(buf []byte, element uint16, ae string) []byte {
	value := []byte(ae)
	if len(value)%2 == 1 {
		value = append(value, 0x20) // Pad with space
	}
	return appendImplicitElement(buf, element, value)
}

func appendUint16Element(buf []byte, element uint16, v uint16) []byte {
	value := make([]byte, 2)
	binary.LittleEndian.PutUint16(value, v)
	return appendImplicitElement(buf, element, value)
}

// isCOperationRequest reports whether the command is one of the composite
// requests that carry a mandatory priority field.
func isCOperationRequest(commandField uint16) bool {
	switch commandField {
	case types.CStoreRQ, types.CGetRQ, types.CFindRQ, types.CMoveRQ:
		return true
	}
	return false
}

// EncodeCommand encodes a DIMSE command set using Implicit VR Little Endian.
func EncodeCommand(msg *types.Message) ([]byte, error) {
	if msg.CommandField == 0 {
		return nil, fmt.Errorf("dimse: message has no command field")
	}

	buf := make([]byte, 0, 256)

	// Command Group Length placeholder, backfilled below.
	buf = appendImplicitElement(buf, tagCommandGroupLength, make([]byte, 4))
	lengthPos := len(buf) - 4

	if msg.AffectedSOPClassUID != "" {
		buf = appendUIDElement(buf, tagAffectedSOPClassUID, msg.AffectedSOPClassUID)
	}
	if msg.RequestedSOPClassUID != "" {
		buf = appendUIDElement(buf, tagRequestedSOPClassUID, msg.RequestedSOPClassUID)
	}

	buf = appendUint16Element(buf, tagCommandField, msg.CommandField)

	if msg.MessageID != 0 {
		buf = appendUint16Element(buf, tagMessageID, msg.MessageID)
	}
	if msg.MessageIDBeingRespondedTo != 0 {
		buf = appendUint16Element(buf, tagMessageIDBeingRespondedTo, msg.MessageIDBeingRespondedTo)
	}
	if msg.MoveDestination != "" {
		buf = appendAEElement(buf, tagMoveDestination, msg.MoveDestination)
	}
	if isCOperationRequest(msg.CommandField) || msg.Priority != 0 {
		buf = appendUint16Element(buf, tagPriority, msg.Priority)
	}

	buf = appendUint16Element(buf, tagCommandDataSetType, msg.CommandDataSetType)

	if msg.IsResponse() || msg.Status != 0 {
		buf = appendUint16Element(buf, tagStatus, msg.Status)
	}

	if msg.AffectedSOPInstanceUID != "" {
		buf = appendUIDElement(buf, tagAffectedSOPInstanceUID, msg.AffectedSOPInstanceUID)
	}
	if msg.RequestedSOPInstanceUID != "" {
		buf = appendUIDElement(buf, tagRequestedSOPInstanceUID, msg.RequestedSOPInstanceUID)
	}
	if msg.EventTypeID != nil {
		buf = appendUint16Element(buf, tagEventTypeID, *msg.EventTypeID)
	}
	if msg.ActionTypeID != nil {
		buf = appendUint16Element(buf, tagActionTypeID, *msg.ActionTypeID)
	}

	if msg.NumberOfRemainingSuboperations != nil {
		buf = appendUint16Element(buf, tagRemainingSuboperations, *msg.NumberOfRemainingSuboperations)
	}
	if msg.NumberOfCompletedSuboperations != nil {
		buf = appendUint16Element(buf, tagCompletedSuboperations, *msg.NumberOfCompletedSuboperations)
	}
	if msg.NumberOfFailedSuboperations != nil {
		buf = appendUint16Element(buf, tagFailedSuboperations, *msg.NumberOfFailedSuboperations)
	}
	if msg.NumberOfWarningSuboperations != nil {
		buf = appendUint16Element(buf, tagWarningSuboperations, *msg.NumberOfWarningSuboperations)
	}

	groupLength := uint32(len(buf) - lengthPos - 4)
	binary.LittleEndian.PutUint32(buf[lengthPos:lengthPos+4], groupLength)

	return buf, nil
}

// DecodeCommand decodes a DIMSE command set.
func DecodeCommand(data []byte) (*types.Message, error) {
	msg := &types.Message{
		CommandDataSetType: types.DataSetNull, // Default to "no dataset present"
	}

	sawCommandField := false
	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])

		if offset+8+int(length) > len(data) {
			return nil, fmt.Errorf("dimse: element (%04x,%04x) length %d overruns command set", group, element, length)
		}
		value := data[offset+8 : offset+8+int(length)]
		offset += 8 + int(length)

		if group != 0x0000 {
			continue
		}

		switch element {
		case tagAffectedSOPClassUID:
			msg.AffectedSOPClassUID = trimPadding(value)
		case tagRequestedSOPClassUID:
			msg.RequestedSOPClassUID = trimPadding(value)
		case tagCommandField:
			if len(value) >= 2 {
				msg.CommandField = binary.LittleEndian.Uint16(value[:2])
				sawCommandField = true
			}
		case tagMessageID:
			if len(value) >= 2 {
				msg.MessageID = binary.LittleEndian.Uint16(value[:2])
			}
		case tagMessageIDBeingRespondedTo:
			if len(value) >= 2 {
				msg.MessageIDBeingRespondedTo = binary.LittleEndian.Uint16(value[:2])
			}
		case tagMoveDestination:
			msg.MoveDestination = trimPadding(value)
		case tagPriority:
			if len(value) >= 2 {
				msg.Priority = binary.LittleEndian.Uint16(value[:2])
			}
		case tagCommandDataSetType:
			if len(value) >= 2 {
				msg.CommandDataSetType = binary.LittleEndian.Uint16(value[:2])
			}
		case tagStatus:
			if len(value) >= 2 {
				msg.Status = binary.LittleEndian.Uint16(value[:2])
			}
		case tagAffectedSOPInstanceUID:
			msg.AffectedSOPInstanceUID = trimPadding(value)
		case tagRequestedSOPInstanceUID:
			msg.RequestedSOPInstanceUID = trimPadding(value)
		case tagEventTypeID:
			if len(value) >= 2 {
				v := binary.LittleEndian.Uint16(value[:2])
				msg.EventTypeID = &v
			}
		case tagActionTypeID:
			if len(value) >= 2 {
				v := binary.LittleEndian.Uint16(value[:2])
				msg.ActionTypeID = &v
			}
		case tagRemainingSuboperations:
			if len(value) >= 2 {
				v := binary.LittleEndian.Uint16(value[:2])
				msg.NumberOfRemainingSuboperations = &v
			}
		case tagCompletedSuboperations:
			if len(value) >= 2 {
				v := binary.LittleEndian.Uint16(value[:2])
				msg.NumberOfCompletedSuboperations = &v
			}
		case tagFailedSuboperations:
			if len(value) >= 2 {
				v := binary.LittleEndian.Uint16(value[:2])
				msg.NumberOfFailedSuboperations = &v
			}
		case tagWarningSuboperations:
			if len(value) >= 2 {
				v := binary.LittleEndian.Uint16(value[:2])
				msg.NumberOfWarningSuboperations = &v
			}
		}
	}

	if !sawCommandField {
		return nil, fmt.Errorf("dimse: command set lacks command field (0000,0100)")
	}
	return msg, nil
}

func trimPadding(value []byte) string {
	return strings.TrimRight(string(value), "\x00 ")
}
