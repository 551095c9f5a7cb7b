package serialization

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/glimte/correlate/contracts"
)

// Codec converts envelopes to and from bus payloads
type Codec interface {
	// EncodeRequest serializes a request envelope
	EncodeRequest(req *contracts.RequestEnvelope) ([]byte, error)

	// DecodeRequest parses and validates a request envelope. When the
	// payload parses but fails validation, the parsed envelope is returned
	// along with the error so the caller can still address a reply.
	DecodeRequest(data []byte) (*contracts.RequestEnvelope, error)

	// EncodeReply serializes a reply envelope
	EncodeReply(reply *contracts.ReplyEnvelope) ([]byte, error)

	// DecodeReply parses and validates a reply envelope
	DecodeReply(data []byte) (*contracts.ReplyEnvelope, error)

	// ContentType names the wire format
	ContentType() string
}

// JSONCodec encodes envelopes as JSON documents
type JSONCodec struct{}

// NewJSONCodec creates a JSON codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// ContentType implements Codec
func (c *JSONCodec) ContentType() string {
	return "application/json"
}

// EncodeRequest implements Codec
func (c *JSONCodec) EncodeRequest(req *contracts.RequestEnvelope) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", contracts.ErrMalformedEnvelope)
	}
	if req.CorrelationID == "" {
		return nil, fmt.Errorf("%w: request has no correlation id", contracts.ErrMalformedEnvelope)
	}
	if err := checkFinite(req.Payload); err != nil {
		return nil, err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return data, nil
}

// DecodeRequest implements Codec. A request without a correlation id is
// rejected since no reply could ever be matched to it.
func (c *JSONCodec) DecodeRequest(data []byte) (*contracts.RequestEnvelope, error) {
	var req contracts.RequestEnvelope
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrMalformedEnvelope, err)
	}
	if req.Payload == nil {
		req.Payload = []float64{}
	}

	if req.CorrelationID == "" {
		return &req, fmt.Errorf("%w: request has no correlation id", contracts.ErrMalformedEnvelope)
	}
	if err := contracts.CheckVersion(req.Version); err != nil {
		return &req, err
	}
	return &req, nil
}

// EncodeReply implements Codec
func (c *JSONCodec) EncodeReply(reply *contracts.ReplyEnvelope) ([]byte, error) {
	if reply == nil {
		return nil, fmt.Errorf("%w: nil reply", contracts.ErrMalformedEnvelope)
	}
	if reply.CorrelationID == "" {
		return nil, fmt.Errorf("%w: reply has no correlation id", contracts.ErrMalformedEnvelope)
	}
	if reply.Result != nil {
		if err := checkFinite([]float64{*reply.Result}); err != nil {
			return nil, err
		}
	}

	data, err := json.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reply: %w", err)
	}
	return data, nil
}

// DecodeReply implements Codec
func (c *JSONCodec) DecodeReply(data []byte) (*contracts.ReplyEnvelope, error) {
	var reply contracts.ReplyEnvelope
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrMalformedEnvelope, err)
	}

	if reply.CorrelationID == "" {
		return nil, fmt.Errorf("%w: reply has no correlation id", contracts.ErrMalformedEnvelope)
	}
	if err := contracts.CheckVersion(reply.Version); err != nil {
		return nil, err
	}

	switch reply.Status {
	case contracts.StatusOK, contracts.StatusError:
	default:
		return nil, fmt.Errorf("%w: unknown reply status %q", contracts.ErrMalformedEnvelope, reply.Status)
	}
	return &reply, nil
}

func checkFinite(values []float64) error {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: value at index %d is not finite", contracts.ErrMalformedEnvelope, i)
		}
	}
	return nil
}
