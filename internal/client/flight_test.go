package client

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-volley/internal/gen"
)

type mockFlightServer struct {
	flight.BaseFlightServer
	recordsReceived []arrow.RecordBatch
}

func (s *mockFlightServer) DoPut(server flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(server)
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		s.recordsReceived = append(s.recordsReceived, rec)
	}
	return nil
}

func TestFlightClient_DoPut(t *testing.T) {
	mockServer := &mockFlightServer{}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(mockServer)

	err := server.Init("localhost:0")
	require.NoError(t, err)
	addr := server.Addr().String()

	go func() {
		_ = server.Serve()
	}()
	defer server.Shutdown()

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	pool := memory.NewGoAllocator()
	rb, err := NewRecordBatchBuilder(pool).BuildRecordBatch([]gen.StreamCommit{
		{Stream: 0, Step: 0, Tokens: []int32{1, 2}},
		{Stream: 1, Step: 0, Tokens: []int32{3, 4}},
	})
	require.NoError(t, err)
	defer rb.Release()

	err = client.DoPut(context.Background(), "session-0", rb)
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, client.breaker.State())
}

func TestCircuitBreakerRejectsWhenOpen(t *testing.T) {
	client, err := NewFlightClient("localhost:1")
	require.NoError(t, err)
	defer client.Close()

	pool := memory.NewGoAllocator()
	rb, err := NewRecordBatchBuilder(pool).BuildRecordBatch([]gen.StreamCommit{
		{Stream: 0, Step: 0, Tokens: []int32{1}},
	})
	require.NoError(t, err)
	defer rb.Release()

	for i := 0; i < 5; i++ {
		err := client.DoPut(context.Background(), "session-0", rb)
		assert.Error(t, err)
	}
	assert.Equal(t, StateOpen, client.breaker.State())
	assert.ErrorIs(t, client.DoPut(context.Background(), "session-0", rb), ErrCircuitOpen)
}
