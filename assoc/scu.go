package assoc

import (
	"context"

	"github.com/dicomtools/printnet/dimse"
	dicomerr "github.com/dicomtools/printnet/errors"
	"github.com/dicomtools/printnet/types"
)

// The SCU verbs below run single DIMSE operations over the association.
// Each selects the presentation context by abstract syntax: for composite
// operations that is the SOP class itself, for Print Management it is the
// meta SOP class the service was negotiated under.

// Echo performs C-ECHO and fails on any non-success status.
func (a *Association) Echo(ctx context.Context) error {
	pc, err := a.ContextFor(types.VerificationSOPClass)
	if err != nil {
		return err
	}
	resp, err := a.dispatcher.Call(ctx, pc.ID, &types.Message{
		CommandField:        types.CEchoRQ,
		AffectedSOPClassUID: types.VerificationSOPClass,
		CommandDataSetType:  types.DataSetNull,
	}, nil)
	if err != nil {
		return err
	}
	if resp.Command.Status != types.StatusSuccess {
		return dicomerr.NewDIMSEStatusError("C-ECHO", resp.Command.Status, "verification failed")
	}
	return nil
}

// Store performs C-STORE of an encoded dataset. The dataset must already be
// in the transfer syntax negotiated for the SOP class's context.
func (a *Association) Store(ctx context.Context, sopClassUID, sopInstanceUID string, priority uint16, dataset []byte) error {
	pc, err := a.ContextFor(sopClassUID)
	if err != nil {
		return err
	}
	resp, err := a.dispatcher.Call(ctx, pc.ID, &types.Message{
		CommandField:           types.CStoreRQ,
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
		Priority:               priority,
		CommandDataSetType:     types.DataSetPresent,
	}, dataset)
	if err != nil {
		return err
	}
	if resp.Command.Status != types.StatusSuccess {
		return dicomerr.NewDIMSEStatusError("C-STORE", resp.Command.Status, "store refused")
	}
	return nil
}

// Find starts a C-FIND query and returns the response stream. The caller
// must drain it to a terminal status or cancel it.
func (a *Association) Find(ctx context.Context, sopClassUID string, priority uint16, identifier []byte) (*dimse.Stream, error) {
	pc, err := a.ContextFor(sopClassUID)
	if err != nil {
		return nil, err
	}
	return a.dispatcher.Exchange(ctx, pc.ID, &types.Message{
		CommandField:        types.CFindRQ,
		AffectedSOPClassUID: sopClassUID,
		Priority:            priority,
		CommandDataSetType:  types.DataSetPresent,
	}, identifier)
}

// Move starts a C-MOVE toward destinationAE and returns the response stream
// carrying the sub-operation progress counters.
func (a *Association) Move(ctx context.Context, sopClassUID, destinationAE string, priority uint16, identifier []byte) (*dimse.Stream, error) {
	pc, err := a.ContextFor(sopClassUID)
	if err != nil {
		return nil, err
	}
	return a.dispatcher.Exchange(ctx, pc.ID, &types.Message{
		CommandField:        types.CMoveRQ,
		AffectedSOPClassUID: sopClassUID,
		Priority:            priority,
		MoveDestination:     destinationAE,
		CommandDataSetType:  types.DataSetPresent,
	}, identifier)
}

// Get starts a C-GET and returns the response stream. Matching instances
// arrive as inbound C-STORE requests on the same association.
func (a *Association) Get(ctx context.Context, sopClassUID string, priority uint16, identifier []byte) (*dimse.Stream, error) {
	pc, err := a.ContextFor(sopClassUID)
	if err != nil {
		return nil, err
	}
	return a.dispatcher.Exchange(ctx, pc.ID, &types.Message{
		CommandField:        types.CGetRQ,
		AffectedSOPClassUID: sopClassUID,
		Priority:            priority,
		CommandDataSetType:  types.DataSetPresent,
	}, identifier)
}

// NCreate creates a managed SOP instance. instanceUID may be empty to let
// the peer assign one; the response carries the created UID either way.
func (a *Association) NCreate(ctx context.Context, contextAS, sopClassUID, instanceUID string, attrs []byte) (*dimse.Completed, error) {
	pc, err := a.ContextFor(contextAS)
	if err != nil {
		return nil, err
	}
	return a.dispatcher.Call(ctx, pc.ID, &types.Message{
		CommandField:           types.NCreateRQ,
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: instanceUID,
	}, attrs)
}

// NSet updates attributes of a managed SOP instance.
func (a *Association) NSet(ctx context.Context, contextAS, sopClassUID, instanceUID string, attrs []byte) (*dimse.Completed, error) {
	pc, err := a.ContextFor(contextAS)
	if err != nil {
		return nil, err
	}
	return a.dispatcher.Call(ctx, pc.ID, &types.Message{
		CommandField:            types.NSetRQ,
		RequestedSOPClassUID:    sopClassUID,
		RequestedSOPInstanceUID: instanceUID,
	}, attrs)
}

// NGet retrieves attributes of a managed SOP instance.
func (a *Association) NGet(ctx context.Context, contextAS, sopClassUID, instanceUID string) (*dimse.Completed, error) {
	pc, err := a.ContextFor(contextAS)
	if err != nil {
		return nil, err
	}
	return a.dispatcher.Call(ctx, pc.ID, &types.Message{
		CommandField:            types.NGetRQ,
		RequestedSOPClassUID:    sopClassUID,
		RequestedSOPInstanceUID: instanceUID,
		CommandDataSetType:      types.DataSetNull,
	}, nil)
}

// NAction invokes an action on a managed SOP instance.
func (a *Association) NAction(ctx context.Context, contextAS, sopClassUID, instanceUID string, actionType uint16, attrs []byte) (*dimse.Completed, error) {
	pc, err := a.ContextFor(contextAS)
	if err != nil {
		return nil, err
	}
	return a.dispatcher.Call(ctx, pc.ID, &types.Message{
		CommandField:            types.NActionRQ,
		RequestedSOPClassUID:    sopClassUID,
		RequestedSOPInstanceUID: instanceUID,
		ActionTypeID:            &actionType,
	}, attrs)
}

// NDelete deletes a managed SOP instance.
func (a *Association) NDelete(ctx context.Context, contextAS, sopClassUID, instanceUID string) (*dimse.Completed, error) {
	pc, err := a.ContextFor(contextAS)
	if err != nil {
		return nil, err
	}
	return a.dispatcher.Call(ctx, pc.ID, &types.Message{
		CommandField:            types.NDeleteRQ,
		RequestedSOPClassUID:    sopClassUID,
		RequestedSOPInstanceUID: instanceUID,
		CommandDataSetType:      types.DataSetNull,
	}, nil)
}
