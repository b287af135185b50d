package dimse

import (
	"reflect"
	"testing"

	"github.com/dicomtools/printnet/types"
)

func uint16Ptr(v uint16) *uint16 { return &v }

func TestCommandRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *types.Message
	}{
		{
			name: "C-ECHO-RQ",
			msg: &types.Message{
				CommandField:        types.CEchoRQ,
				MessageID:           1,
				AffectedSOPClassUID: types.VerificationSOPClass,
				CommandDataSetType:  types.DataSetNull,
			},
		},
		{
			name: "C-STORE-RQ with priority and dataset",
			msg: &types.Message{
				CommandField:           types.CStoreRQ,
				MessageID:              7,
				AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.7",
				AffectedSOPInstanceUID: "1.2.3.4.5",
				Priority:               types.PriorityMedium,
				CommandDataSetType:     types.DataSetPresent,
			},
		},
		{
			name: "N-CREATE-RQ",
			msg: &types.Message{
				CommandField:           types.NCreateRQ,
				MessageID:              12,
				AffectedSOPClassUID:    types.BasicFilmSessionSOPClass,
				AffectedSOPInstanceUID: "1.2.3.100",
				CommandDataSetType:     types.DataSetPresent,
			},
		},
		{
			name: "N-ACTION-RQ with action type",
			msg: &types.Message{
				CommandField:            types.NActionRQ,
				MessageID:               13,
				RequestedSOPClassUID:    types.BasicFilmBoxSOPClass,
				RequestedSOPInstanceUID: "1.2.3.200",
				ActionTypeID:            uint16Ptr(1),
				CommandDataSetType:      types.DataSetNull,
			},
		},
		{
			name: "N-EVENT-REPORT-RQ with event type",
			msg: &types.Message{
				CommandField:           types.NEventReportRQ,
				MessageID:              3,
				AffectedSOPClassUID:    types.PrinterSOPClass,
				AffectedSOPInstanceUID: types.PrinterSOPInstance,
				EventTypeID:            uint16Ptr(2),
				CommandDataSetType:     types.DataSetNull,
			},
		},
		{
			name: "N-SET-RSP with failure status",
			msg: &types.Message{
				CommandField:              types.NSetRSP,
				MessageIDBeingRespondedTo: 13,
				AffectedSOPClassUID:       types.BasicFilmBoxSOPClass,
				Status:                    types.StatusDataSetDoesNotMatchSOP,
				CommandDataSetType:        types.DataSetNull,
			},
		},
		{
			name: "C-ECHO-RSP with success status",
			msg: &types.Message{
				CommandField:              types.CEchoRSP,
				MessageIDBeingRespondedTo: 1,
				AffectedSOPClassUID:       types.VerificationSOPClass,
				Status:                    types.StatusSuccess,
				CommandDataSetType:        types.DataSetNull,
			},
		},
		{
			name: "C-MOVE-RSP with suboperation counters",
			msg: &types.Message{
				CommandField:                   types.CMoveRSP,
				MessageIDBeingRespondedTo:      9,
				AffectedSOPClassUID:            types.StudyRootQueryRetrieveInformationModelMove,
				Status:                         types.StatusPending,
				CommandDataSetType:             types.DataSetNull,
				NumberOfRemainingSuboperations: uint16Ptr(4),
				NumberOfCompletedSuboperations: uint16Ptr(2),
				NumberOfFailedSuboperations:    uint16Ptr(0),
				NumberOfWarningSuboperations:   uint16Ptr(1),
			},
		},
		{
			name: "C-CANCEL-RQ",
			msg: &types.Message{
				CommandField:              types.CCancelRQ,
				MessageIDBeingRespondedTo: 9,
				CommandDataSetType:        types.DataSetNull,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeCommand(tt.msg)
			if err != nil {
				t.Fatalf("EncodeCommand failed: %v", err)
			}
			decoded, err := DecodeCommand(encoded)
			if err != nil {
				t.Fatalf("DecodeCommand failed: %v", err)
			}
			if !reflect.DeepEqual(tt.msg, decoded) {
				t.Errorf("round trip mismatch:\n got: %+v\nwant: %+v", decoded, tt.msg)
			}
		})
	}
}

func TestEncodeCommandRequiresCommandField(t *testing.T) {
	_, err := EncodeCommand(&types.Message{MessageID: 1})
	if err == nil {
		t.Fatal("expected error for message without command field")
	}
}

func TestDecodeCommandRejectsTruncatedElement(t *testing.T) {
	msg := &types.Message{
		CommandField:       types.CEchoRQ,
		MessageID:          1,
		CommandDataSetType: types.DataSetNull,
	}
	encoded, err := EncodeCommand(msg)
	if err != nil {
		t.Fatalf("EncodeCommand failed: %v", err)
	}
	// Corrupt the last element's length so it overruns the buffer.
	encoded[len(encoded)-3] = 0xFF
	if _, err := DecodeCommand(encoded); err == nil {
		t.Fatal("expected error for overrunning element length")
	}
}

func TestDecodeCommandRequiresCommandField(t *testing.T) {
	// A lone group length element with no command field.
	data := appendImplicitElement(nil, tagCommandGroupLength, []byte{0, 0, 0, 0})
	if _, err := DecodeCommand(data); err == nil {
		t.Fatal("expected error for command set without command field")
	}
}
