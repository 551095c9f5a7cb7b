package serialization

import (
	"errors"
	"math"
	"testing"

	"github.com/glimte/correlate/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodecRequest(t *testing.T) {
	codec := NewJSONCodec()

	t.Run("preserves correlation id and payload order", func(t *testing.T) {
		req := contracts.NewRequestEnvelope("id-é-42", "sum", "sum.reply", []float64{3, 7, 2, 9, 1})
		req.Headers["x-trace"] = "abc"

		data, err := codec.EncodeRequest(req)
		require.NoError(t, err)

		decoded, err := codec.DecodeRequest(data)
		require.NoError(t, err)
		assert.Equal(t, "id-é-42", decoded.CorrelationID)
		assert.Equal(t, []float64{3, 7, 2, 9, 1}, decoded.Payload)
		assert.Equal(t, "sum", decoded.Operation)
		assert.Equal(t, "sum.reply", decoded.ReplyTo)
		assert.Equal(t, "abc", decoded.Headers["x-trace"])
	})

	t.Run("empty payload decodes to empty slice", func(t *testing.T) {
		decoded, err := codec.DecodeRequest([]byte(`{"correlationId":"c","operation":"sum"}`))
		require.NoError(t, err)
		assert.NotNil(t, decoded.Payload)
		assert.Empty(t, decoded.Payload)
	})

	t.Run("rejects missing correlation id", func(t *testing.T) {
		decoded, err := codec.DecodeRequest([]byte(`{"operation":"sum","payload":[1]}`))
		assert.ErrorIs(t, err, contracts.ErrMalformedEnvelope)
		require.NotNil(t, decoded)
		assert.Empty(t, decoded.CorrelationID)
	})

	t.Run("rejects non-json", func(t *testing.T) {
		decoded, err := codec.DecodeRequest([]byte("not json"))
		assert.ErrorIs(t, err, contracts.ErrMalformedEnvelope)
		assert.Nil(t, decoded)
	})

	t.Run("rejects incompatible version but keeps the reply address", func(t *testing.T) {
		decoded, err := codec.DecodeRequest([]byte(`{"correlationId":"c","replyTo":"sum.reply","version":"2.0.0"}`))
		assert.ErrorIs(t, err, contracts.ErrIncompatibleVersion)
		require.NotNil(t, decoded)
		assert.Equal(t, "c", decoded.CorrelationID)
		assert.Equal(t, "sum.reply", decoded.ReplyTo)
	})

	t.Run("refuses to encode non-finite numbers", func(t *testing.T) {
		req := contracts.NewRequestEnvelope("c", "sum", "", []float64{1, math.NaN()})
		_, err := codec.EncodeRequest(req)
		assert.ErrorIs(t, err, contracts.ErrMalformedEnvelope)

		req = contracts.NewRequestEnvelope("c", "sum", "", []float64{math.Inf(1)})
		_, err = codec.EncodeRequest(req)
		assert.ErrorIs(t, err, contracts.ErrMalformedEnvelope)
	})

	t.Run("refuses to encode without correlation id", func(t *testing.T) {
		_, err := codec.EncodeRequest(contracts.NewRequestEnvelope("", "sum", "", nil))
		assert.ErrorIs(t, err, contracts.ErrMalformedEnvelope)
	})
}

func TestJSONCodecReply(t *testing.T) {
	codec := NewJSONCodec()

	t.Run("ok reply", func(t *testing.T) {
		data, err := codec.EncodeReply(contracts.NewOKReply("c-1", 22))
		require.NoError(t, err)

		reply, err := codec.DecodeReply(data)
		require.NoError(t, err)
		v, err := reply.Value()
		require.NoError(t, err)
		assert.Equal(t, 22.0, v)
		assert.Equal(t, "c-1", reply.CorrelationID)
	})

	t.Run("error reply keeps code and message", func(t *testing.T) {
		data, err := codec.EncodeReply(contracts.NewErrorReply("c-2", contracts.CodeEmptyInput, "empty input"))
		require.NoError(t, err)

		reply, err := codec.DecodeReply(data)
		require.NoError(t, err)

		var herr *contracts.HandlerError
		require.True(t, errors.As(reply.Err(), &herr))
		assert.Equal(t, contracts.CodeEmptyInput, herr.Code)
		assert.Equal(t, "empty input", herr.Message)
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		_, err := codec.DecodeReply([]byte(`{"correlationId":"c","status":"maybe"}`))
		assert.ErrorIs(t, err, contracts.ErrMalformedEnvelope)
	})

	t.Run("rejects missing correlation id", func(t *testing.T) {
		_, err := codec.DecodeReply([]byte(`{"status":"ok","result":1}`))
		assert.ErrorIs(t, err, contracts.ErrMalformedEnvelope)

		_, err = codec.EncodeReply(&contracts.ReplyEnvelope{Status: contracts.StatusOK})
		assert.ErrorIs(t, err, contracts.ErrMalformedEnvelope)
	})

	t.Run("content type", func(t *testing.T) {
		assert.Equal(t, "application/json", codec.ContentType())
	})
}
