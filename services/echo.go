package services

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/dicomtools/printnet/assoc"
	"github.com/dicomtools/printnet/types"
)

// EchoService answers C-ECHO verification requests. Stateless.
type EchoService struct{}

// NewEchoService creates the verification service.
func NewEchoService() *EchoService {
	return &EchoService{}
}

func (s *EchoService) AbstractSyntaxes() []string {
	return []string{types.VerificationSOPClass}
}

func (s *EchoService) NewHandler(log *logrus.Entry) Handler {
	return &echoHandler{log: log}
}

type echoHandler struct {
	log *logrus.Entry
}

func (h *echoHandler) Handle(_ context.Context, _ assoc.AcceptedContext, msg *types.Message, _ []byte) (*types.Message, []byte, error) {
	if msg.CommandField != types.CEchoRQ {
		return errorResponse(msg, types.StatusUnrecognizedOperation), nil, nil
	}
	h.log.WithField("messageID", msg.MessageID).Debug("C-ECHO")
	return &types.Message{
		CommandField:              types.CEchoRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       types.VerificationSOPClass,
		CommandDataSetType:        types.DataSetNull,
		Status:                    types.StatusSuccess,
	}, nil, nil
}
