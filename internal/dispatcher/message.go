package dispatcher

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

// MessageType names a transfer protocol message.
type MessageType string

const (
	TransferRequest     MessageType = "TransferRequestMessage"
	TransferStart       MessageType = "TransferStartMessage"
	TransferSuspension  MessageType = "TransferSuspensionMessage"
	TransferCompletion  MessageType = "TransferCompletionMessage"
	TransferTermination MessageType = "TransferTerminationMessage"
)

// Message is exchanged between the two connectors of a transfer.
// ProcessID is the sender's process id; CorrelationID is the receiver's,
// empty until the receiver acknowledged the request.
type Message struct {
	ID                  string             `json:"id"`
	Type                MessageType        `json:"type"`
	Protocol            string             `json:"protocol"`
	CounterPartyAddress string             `json:"counterPartyAddress"`
	CallbackAddress     string             `json:"callbackAddress,omitempty"`
	ProcessID           string             `json:"processId"`
	CorrelationID       string             `json:"correlationId,omitempty"`
	AssetID             string             `json:"assetId,omitempty"`
	ContractID          string             `json:"contractId,omitempty"`
	TransferType        string             `json:"transferType,omitempty"`
	DataDestination     *types.DataAddress `json:"dataDestination,omitempty"`
	DataAddress         *types.DataAddress `json:"dataAddress,omitempty"`
	Reason              string             `json:"reason,omitempty"`
}

// Response acknowledges a message. ProcessID is the receiver's process id.
type Response struct {
	ProcessID string `json:"processId"`
}

// toStruct converts a JSON-tagged value to a protobuf Struct for the gRPC
// transport.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return fmt.Errorf("empty payload")
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
