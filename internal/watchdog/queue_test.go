package watchdog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"futures_orchestrator/internal/core"
	"futures_orchestrator/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*FileQueue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "requests.json")
	return NewFileQueue(path, logging.Nop()), path
}

func addRequest(id string) *core.WatchRequest {
	return &core.WatchRequest{
		Action:    core.ActionAddOrder,
		Data:      sampleOrder(id, "BTCUSDT"),
		Timestamp: time.Now().UTC(),
	}
}

func TestQueueEnqueueDrain(t *testing.T) {
	q, _ := newTestQueue(t)

	require.NoError(t, q.Enqueue(addRequest("1")))
	require.NoError(t, q.Enqueue(addRequest("2")))

	got, err := q.Drain()
	require.NoError(t, err)
	require.Len(t, got, 2)
	// FIFO order is preserved
	assert.Equal(t, "1", got[0].Data.OrderID)
	assert.Equal(t, "2", got[1].Data.OrderID)
}

func TestQueueDrainTruncatesToEmptyArray(t *testing.T) {
	q, path := newTestQueue(t)
	require.NoError(t, q.Enqueue(addRequest("1")))

	_, err := q.Drain()
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var arr []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &arr))
	assert.Empty(t, arr)

	// Draining the now-empty queue yields nothing
	got, err := q.Drain()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueueDrainAbsentFile(t *testing.T) {
	q, _ := newTestQueue(t)
	got, err := q.Drain()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueueCorruptFileIsQuarantined(t *testing.T) {
	q, path := newTestQueue(t)
	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0o644))

	_, err := q.Drain()
	assert.Error(t, err)

	// The damaged content is preserved aside and the queue is usable again
	_, statErr := os.Stat(path + ".corrupt")
	assert.NoError(t, statErr)

	require.NoError(t, q.Enqueue(addRequest("1")))
	got, err := q.Drain()
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestQueueEnqueueSurvivesCorruption(t *testing.T) {
	q, path := newTestQueue(t)
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	require.NoError(t, q.Enqueue(addRequest("1")))
	got, err := q.Drain()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].Data.OrderID)
}

func TestQueueLockReleased(t *testing.T) {
	q, path := newTestQueue(t)
	require.NoError(t, q.Enqueue(addRequest("1")))

	_, err := os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err), "lock file left behind after enqueue")

	_, err = q.Drain()
	require.NoError(t, err)
	_, err = os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err), "lock file left behind after drain")
}

func TestQueueRequestPayloadRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t)
	req := addRequest("42")
	require.NoError(t, q.Enqueue(req))

	got, err := q.Drain()
	require.NoError(t, err)
	require.Len(t, got, 1)

	w := got[0].Data
	assert.Equal(t, "42", w.OrderID)
	assert.Equal(t, core.SignalLong, w.SignalType)
	assert.True(t, w.Price.Equal(req.Data.Price))
	assert.True(t, w.StopLoss.Equal(req.Data.StopLoss))
}
