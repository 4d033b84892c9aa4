package engine

import (
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/fluxpipe/fluxpipe/internal/engine/ids"
	"github.com/fluxpipe/fluxpipe/internal/engine/jsoncodec"
)

// ParametersTransformer converts between a message payload and a flat
// parameter mapping, enabling policy steps to observe and modify operation
// parameters as message content. Supplying one is optional; without it the
// policies only see the original message.
type ParametersTransformer interface {
	FromParametersToMessage(params map[string]any) (*message.Message, error)
	FromMessageToParameters(msg *message.Message) (map[string]any, error)
}

// JSONParametersTransformer maps parameters onto a JSON object payload.
type JSONParametersTransformer struct{}

// NewJSONParametersTransformer returns the default transformer, which encodes
// the parameter map as a JSON object payload and back.
func NewJSONParametersTransformer() *JSONParametersTransformer {
	return &JSONParametersTransformer{}
}

func (t *JSONParametersTransformer) FromParametersToMessage(params map[string]any) (*message.Message, error) {
	payload, err := jsoncodec.Marshal(params)
	if err != nil {
		return nil, err
	}
	return message.NewMessage(ids.CreateULID(), payload), nil
}

func (t *JSONParametersTransformer) FromMessageToParameters(msg *message.Message) (map[string]any, error) {
	if len(msg.Payload) == 0 {
		return map[string]any{}, nil
	}
	params := make(map[string]any)
	if err := jsoncodec.Unmarshal(msg.Payload, &params); err != nil {
		return nil, err
	}
	return params, nil
}
