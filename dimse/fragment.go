package dimse

import (
	dicomerr "github.com/dicomtools/printnet/errors"
	"github.com/dicomtools/printnet/pdu"
	"github.com/dicomtools/printnet/types"
)

// Fragment splits an encoded command set and an optional dataset into
// P-DATA-TF PDUs such that no PDU body exceeds maxPDULength. Command PDVs
// always precede dataset PDVs. Consecutive PDVs are packed into a shared
// PDU when they fit.
func Fragment(contextID byte, command, dataset []byte, maxPDULength uint32) ([]*pdu.PDataTF, error) {
	if maxPDULength <= pdu.PDVHeaderSize {
		return nil, dicomerr.NewMalformedPDU(pdu.TypePDataTF, "max PDU length %d leaves no room for PDV data", maxPDULength)
	}
	maxData := int(maxPDULength) - pdu.PDVHeaderSize

	var pdvs []pdu.PDV
	pdvs = appendFragments(pdvs, contextID, command, true, maxData)
	if len(dataset) > 0 {
		pdvs = appendFragments(pdvs, contextID, dataset, false, maxData)
	}
	return packPDVs(pdvs, maxPDULength), nil
}

func appendFragments(pdvs []pdu.PDV, contextID byte, data []byte, command bool, maxData int) []pdu.PDV {
	for offset := 0; ; offset += maxData {
		end := offset + maxData
		last := end >= len(data)
		if last {
			end = len(data)
		}
		pdvs = append(pdvs, pdu.PDV{
			ContextID: contextID,
			Command:   command,
			Last:      last,
			Data:      data[offset:end],
		})
		if last {
			return pdvs
		}
	}
}

// packPDVs groups consecutive PDVs into P-DATA-TF PDUs without letting any
// PDU body exceed maxPDULength.
func packPDVs(pdvs []pdu.PDV, maxPDULength uint32) []*pdu.PDataTF {
	var out []*pdu.PDataTF
	var current *pdu.PDataTF
	var currentSize uint32

	for _, pdv := range pdvs {
		pdvSize := uint32(len(pdv.Data)) + pdu.PDVHeaderSize
		if current == nil || currentSize+pdvSize > maxPDULength {
			current = &pdu.PDataTF{}
			out = append(out, current)
			currentSize = 0
		}
		current.PDVs = append(current.PDVs, pdv)
		currentSize += pdvSize
	}
	return out
}

// Completed is a fully reassembled DIMSE message.
type Completed struct {
	ContextID byte
	Command   *types.Message
	Data      []byte
}

// Assembler reassembles inbound PDVs into DIMSE messages. PDVs are
// accumulated per presentation context, so messages on distinct contexts may
// interleave at PDV boundaries. The total bytes buffered for one message are
// bounded by MaxMessageSize.
type Assembler struct {
	// MaxMessageSize caps the reassembled command plus dataset size of a
	// single message. Zero means DefaultMaxMessageSize.
	MaxMessageSize int

	partials map[byte]*partialMessage
}

// DefaultMaxMessageSize bounds a reassembled DIMSE message at 64 MiB.
const DefaultMaxMessageSize = 64 * 1024 * 1024

type partialMessage struct {
	command     []byte
	data        []byte
	commandDone bool
	parsed      *types.Message
	expectData  bool
}

// Add feeds one PDV into the assembler. It returns a non-nil Completed when
// the PDV finishes a message.
func (a *Assembler) Add(pdv pdu.PDV) (*Completed, error) {
	if a.partials == nil {
		a.partials = make(map[byte]*partialMessage)
	}
	maxSize := a.MaxMessageSize
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}

	partial := a.partials[pdv.ContextID]
	if partial == nil {
		partial = &partialMessage{}
		a.partials[pdv.ContextID] = partial
	}

	if pdv.Command && partial.commandDone {
		return nil, dicomerr.NewMalformedPDU(pdu.TypePDataTF,
			"command PDV on context %d after command set completed", pdv.ContextID)
	}
	if !pdv.Command && !partial.commandDone {
		return nil, dicomerr.NewMalformedPDU(pdu.TypePDataTF,
			"dataset PDV on context %d before command set completed", pdv.ContextID)
	}

	if len(partial.command)+len(partial.data)+len(pdv.Data) > maxSize {
		return nil, dicomerr.NewResourceExhausted("reassembly buffer", int64(maxSize))
	}

	if pdv.Command {
		partial.command = append(partial.command, pdv.Data...)
		if !pdv.Last {
			return nil, nil
		}
		msg, err := DecodeCommand(partial.command)
		if err != nil {
			delete(a.partials, pdv.ContextID)
			return nil, err
		}
		partial.commandDone = true
		partial.parsed = msg
		partial.expectData = msg.HasDataSet()
		if partial.expectData {
			return nil, nil
		}
		delete(a.partials, pdv.ContextID)
		return &Completed{ContextID: pdv.ContextID, Command: msg}, nil
	}

	// Zero-length final fragments are tolerated, including one that ends
	// the dataset on its own.
	partial.data = append(partial.data, pdv.Data...)
	if !pdv.Last {
		return nil, nil
	}
	delete(a.partials, pdv.ContextID)
	return &Completed{
		ContextID: pdv.ContextID,
		Command:   partial.parsed,
		Data:      partial.data,
	}, nil
}

// Pending reports whether any message is partially assembled. Used when an
// association winds down to detect truncated exchanges.
func (a *Assembler) Pending() bool {
	return len(a.partials) > 0
}
