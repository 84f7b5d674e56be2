package ipc

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/perch-dev/perch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConn_Loopback(t *testing.T) {
	// cat echoes stdin back to stdout, so a broadcast comes straight back
	// through the reader loop.
	conn := New([]string{"cat"}, testLogger())
	received := make(chan *domain.Envelope, 1)
	conn.OnMessage(func(_ context.Context, env *domain.Envelope) {
		received <- env
	})

	ctx := context.Background()
	require.NoError(t, conn.Start(ctx))
	defer conn.Stop(ctx) //nolint:errcheck

	require.True(t, conn.Connected())
	require.NoError(t, conn.Broadcast(domain.MessageRollCall, nil))

	select {
	case env := <-received:
		assert.Equal(t, domain.MessageRollCall, env.Type)
		assert.NotEmpty(t, env.ID, "broadcasts carry a fresh id")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for loopback message")
	}
}

func TestConn_MalformedLineIsDroppedNotFatal(t *testing.T) {
	// One bad line must not desynchronize the stream: the following
	// well-formed message still arrives.
	script := `printf 'not json\n{"type":"log_progress","id":"ok-1","sender":{},"payload":{"message":"m","category":"info"}}\n'`
	conn := New([]string{"sh", "-c", script}, testLogger())
	received := make(chan *domain.Envelope, 2)
	conn.OnMessage(func(_ context.Context, env *domain.Envelope) {
		received <- env
	})

	require.NoError(t, conn.Start(context.Background()))

	select {
	case env := <-received:
		assert.Equal(t, "ok-1", env.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message after malformed line")
	}
	<-conn.Done()
}

func TestConn_CleanExit(t *testing.T) {
	conn := New([]string{"true"}, testLogger())
	require.NoError(t, conn.Start(context.Background()))

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}
	assert.False(t, conn.Connected())
	assert.Empty(t, conn.LastError())
}

func TestConn_NonzeroExitRecordsError(t *testing.T) {
	conn := New([]string{"sh", "-c", "exit 3"}, testLogger())
	require.NoError(t, conn.Start(context.Background()))

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}
	assert.False(t, conn.Connected())
	assert.Contains(t, conn.LastError(), "exit status 3")
}

func TestConn_SpawnFailure(t *testing.T) {
	conn := New([]string{"/nonexistent/definitely-not-a-binary"}, testLogger())
	err := conn.Start(context.Background())
	require.Error(t, err)
	assert.False(t, conn.Connected())
}

func TestConn_StartTwice(t *testing.T) {
	conn := New([]string{"cat"}, testLogger())
	ctx := context.Background()
	require.NoError(t, conn.Start(ctx))
	defer conn.Stop(ctx) //nolint:errcheck

	assert.ErrorIs(t, conn.Start(ctx), domain.ErrAlreadyConnected)
}

func TestConn_WriteAfterExit(t *testing.T) {
	conn := New([]string{"true"}, testLogger())
	require.NoError(t, conn.Start(context.Background()))
	<-conn.Done()

	err := conn.Respond(domain.SuccessResponse("x", nil))
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestConn_StopUnstarted(t *testing.T) {
	conn := New([]string{"cat"}, testLogger())
	assert.NoError(t, conn.Stop(context.Background()))
}
