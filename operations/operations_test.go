package operations

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/correlate/contracts"
	"github.com/glimte/correlate/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(payload ...float64) *contracts.RequestEnvelope {
	return contracts.NewRequestEnvelope("corr", DefaultOperation, "", payload)
}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name    string
		handler messaging.Handler
		payload []float64
		want    float64
	}{
		{"sum", Sum(), []float64{3, 7, 2, 9, 1}, 22},
		{"sum single", Sum(), []float64{4.5}, 4.5},
		{"sum negatives", Sum(), []float64{-1, -2.5}, -3.5},
		{"max", Max(), []float64{3, 7, 2, 9, 1}, 9},
		{"min", Min(), []float64{3, 7, 2, 9, 1}, 1},
		{"min negatives", Min(), []float64{-3, 0, 2}, -3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.handler.Handle(context.Background(), request(tt.payload...))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEmptyInput(t *testing.T) {
	for _, h := range []messaging.Handler{Sum(), Max(), Min()} {
		_, err := h.Handle(context.Background(), request())

		var herr *contracts.HandlerError
		require.ErrorAs(t, err, &herr)
		assert.Equal(t, contracts.CodeEmptyInput, herr.Code)
		assert.Equal(t, "empty input", herr.Message)
	}
}

func TestWithDelay(t *testing.T) {
	handler := Sum(WithDelay(30 * time.Millisecond))

	start := time.Now()
	got, err := handler.Handle(context.Background(), request(1, 2))
	require.NoError(t, err)
	assert.Equal(t, 3.0, got)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = Sum(WithDelay(time.Second)).Handle(ctx, request(1))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestNew(t *testing.T) {
	for _, kind := range []string{KindSum, KindMax, KindMin} {
		h, err := New(kind)
		require.NoError(t, err)
		assert.NotNil(t, h)
	}

	_, err := New("product")
	assert.Error(t, err)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, "sum", KindOf("math.sum"))
	assert.Equal(t, "max", KindOf("a.b.max"))
	assert.Equal(t, "min", KindOf("min"))
	assert.Equal(t, map[string]string{"math.sum": "sum", "math.min": "min"},
		ForOperations([]string{"math.sum", "math.min"}))
}

func TestRegister(t *testing.T) {
	t.Run("defaults to math.sum", func(t *testing.T) {
		registry := messaging.NewRegistry()
		require.NoError(t, Register(registry, nil))
		assert.Equal(t, []string{DefaultOperation}, registry.Names())
	})

	t.Run("registers configured names", func(t *testing.T) {
		registry := messaging.NewRegistry()
		require.NoError(t, Register(registry, map[string]string{
			"math.sum": KindSum,
			"largest":  KindMax,
		}))
		assert.Equal(t, []string{"largest", "math.sum"}, registry.Names())

		h, ok := registry.Lookup("largest")
		require.True(t, ok)
		got, err := h.Handle(context.Background(), request(1, 5, 3))
		require.NoError(t, err)
		assert.Equal(t, 5.0, got)
	})

	t.Run("unknown kind fails", func(t *testing.T) {
		registry := messaging.NewRegistry()
		err := Register(registry, map[string]string{"math.product": "product"})
		assert.ErrorContains(t, err, "math.product")
	})

	t.Run("frozen registry fails", func(t *testing.T) {
		registry := messaging.NewRegistry()
		registry.Freeze()
		err := Register(registry, nil)
		assert.ErrorIs(t, err, messaging.ErrRegistryFrozen)
	})
}
