package framer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/mcpbridge/envelope"
	"github.com/viant/mcpbridge/schema"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMessages(t *testing.T) {
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"result":"pong"}`,
		``,
		`garbage {`,
		`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`,
		strings.Repeat("x", 200),
		`{"jsonrpc":"2.0","id":2,"result":{}}`,
	}, "\n")
	malformed := 0
	var kinds []envelope.Kind
	for msg := range Messages(strings.NewReader(input), WithLogger(quietLogger()), WithMaxLineBytes(128), WithMalformedHook(func(err error) { malformed++ })) {
		kinds = append(kinds, msg.Kind())
	}
	assert.Equal(t, []envelope.Kind{envelope.KindResponse, envelope.KindNotification, envelope.KindResponse}, kinds)
	assert.Equal(t, 2, malformed)
}

func TestMessages_StopEarly(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"result":1}` + "\n" + `{"jsonrpc":"2.0","id":2,"result":2}` + "\n"
	count := 0
	for range Messages(strings.NewReader(input), WithLogger(quietLogger())) {
		count++
		break
	}
	assert.Equal(t, 1, count)
}

func TestWriter_Saturation(t *testing.T) {
	writer := NewWriter(2, 0)
	msg := &envelope.Envelope{Jsonrpc: envelope.Version, Id: envelope.NumericID(1), Method: "ping"}
	require.NoError(t, writer.Enqueue(msg))
	require.NoError(t, writer.Enqueue(msg))
	err := writer.Enqueue(msg)
	assert.True(t, errors.Is(err, schema.ErrOutboundSaturation))

	byteBound := NewWriter(0, 50)
	require.NoError(t, byteBound.Enqueue(msg))
	assert.True(t, errors.Is(byteBound.Enqueue(msg), schema.ErrOutboundSaturation))
}

type lockedBuffer struct {
	mux sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mux.Lock()
	defer b.mux.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mux.Lock()
	defer b.mux.Unlock()
	return b.buf.String()
}

func TestWriter_Drain(t *testing.T) {
	writer := NewWriter(0, 0)
	dst := &lockedBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- writer.Drain(ctx, dst) }()

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, writer.Enqueue(&envelope.Envelope{Id: envelope.NumericID(i), Method: "ping"}))
	}
	assert.Eventually(t, func() bool {
		return strings.Count(dst.String(), "\n") == 3
	}, time.Second, 5*time.Millisecond)

	var ids []string
	for msg := range Messages(strings.NewReader(dst.String()), WithLogger(quietLogger())) {
		ids = append(ids, string(msg.Id))
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	messages, size := writer.Len()
	assert.Zero(t, messages)
	assert.Zero(t, size)
}

func TestWriter_ResetAndClose(t *testing.T) {
	writer := NewWriter(0, 0)
	require.NoError(t, writer.Enqueue(&envelope.Envelope{Id: envelope.NumericID(1), Method: "ping"}))
	require.NoError(t, writer.Enqueue(&envelope.Envelope{Id: envelope.NumericID(2), Method: "ping"}))
	assert.Equal(t, 2, writer.Reset())
	messages, _ := writer.Len()
	assert.Zero(t, messages)

	writer.Close()
	assert.ErrorIs(t, writer.Enqueue(&envelope.Envelope{Method: "x"}), ErrClosed)
	assert.ErrorIs(t, writer.Drain(context.Background(), io.Discard), ErrClosed)
}
