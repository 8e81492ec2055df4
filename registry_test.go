package xrelay_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xrelay"
)

func TestRegistry_RegisterResolve(t *testing.T) {
	reg, err := xrelay.NewRegistry(xrelay.NewSchema[ProductAdded]("ProductAdded"))
	require.NoError(t, err)

	s, err := reg.Resolve("ProductAdded")
	require.NoError(t, err)
	assert.Equal(t, "ProductAdded", s.EventTypeName())

	_, err = reg.Resolve("Missing")
	assert.ErrorIs(t, err, xrelay.ErrUnknownEventType)
}

func TestRegistry_LastWriteWins(t *testing.T) {
	reg, err := xrelay.NewRegistry()
	require.NoError(t, err)

	first := xrelay.SchemaFunc{Name: "E", DecodeFunc: func(xrelay.Codec, []byte) (xrelay.Event, error) {
		return xrelay.Record{"v": "first"}, nil
	}}
	second := xrelay.SchemaFunc{Name: "E", DecodeFunc: func(xrelay.Codec, []byte) (xrelay.Event, error) {
		return xrelay.Record{"v": "second"}, nil
	}}
	require.NoError(t, reg.Register(first))
	require.NoError(t, reg.Register(first))
	require.NoError(t, reg.Register(second))

	s, err := reg.Resolve("E")
	require.NoError(t, err)
	ev, err := s.Decode(xrelay.JSONCodec{}, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "second", ev.(xrelay.Record)["v"])
	assert.Equal(t, []string{"E"}, reg.Names())
}

func TestRegistry_RejectsNamelessSchema(t *testing.T) {
	reg, err := xrelay.NewRegistry()
	require.NoError(t, err)
	assert.ErrorIs(t, reg.Register(xrelay.SchemaFunc{}), xrelay.ErrInvalidSchema)
	assert.ErrorIs(t, reg.Register(nil), xrelay.ErrInvalidSchema)
}

func TestRegistry_UnregisterAndReset(t *testing.T) {
	reg, err := xrelay.NewRegistry(
		xrelay.NewSchema[ProductAdded]("ProductAdded"),
		xrelay.NewSchema[OrderPlaced]("OrderPlaced"),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"OrderPlaced", "ProductAdded"}, reg.Names())

	reg.Unregister("OrderPlaced")
	assert.Equal(t, []string{"ProductAdded"}, reg.Names())

	reg.Reset()
	assert.Empty(t, reg.Names())
}

func TestSchema_PostLoad(t *testing.T) {
	schema := xrelay.NewSchema[OrderPlaced]("OrderPlaced",
		xrelay.WithPostLoad(func(o OrderPlaced) (OrderPlaced, error) {
			if o.Total.Currency == "" {
				o.Total.Currency = "EUR"
			}
			return o, nil
		}))

	ev, err := schema.Decode(xrelay.JSONCodec{}, []byte(`{"order_id":"o-1","total":{"amount":250}}`))
	require.NoError(t, err)
	assert.Equal(t, OrderPlaced{OrderID: "o-1", Total: Money{Amount: 250, Currency: "EUR"}}, ev)
}

func TestSchema_PostLoadError(t *testing.T) {
	schema := xrelay.NewSchema[OrderPlaced]("OrderPlaced",
		xrelay.WithPostLoad(func(o OrderPlaced) (OrderPlaced, error) {
			return o, errors.New("order_id required")
		}))
	_, err := schema.Decode(xrelay.JSONCodec{}, []byte(`{}`))
	assert.EqualError(t, err, "order_id required")
}
