package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dataspace-connector/internal/event"
	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollectorRegistersAllFamilies(t *testing.T) {
	c, reg := newTestCollector(t)
	assert.NotNil(t, c)

	c.RecordTransition(types.Started)
	c.RecordCommand("Cancel", "succeeded")
	c.RecordPart("File", 10)
	c.OnEvent(event.Event{Type: event.Started})
	c.UpdateStateStats(map[string]int{"STARTED": 1})

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 12)
}

func TestNewCollectorDefaultRegisterer(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	assert.NotPanics(t, func() { NewCollector(nil) })
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestRecordTransition(t *testing.T) {
	c, _ := newTestCollector(t)
	c.RecordTransition(types.Completed)
	c.RecordTransition(types.Completed)
	c.RecordTransition(types.Started)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.transitions.WithLabelValues("COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("STARTED")))
}

func TestOnEventCountsFailures(t *testing.T) {
	c, _ := newTestCollector(t)
	router := event.NewRouter(nil)
	c.Attach(router)

	router.PublishFor(event.Completed, &types.TransferProcess{ID: "a"})
	router.PublishFor(event.Failed, &types.TransferProcess{ID: "b"})
	router.PublishFor(event.Terminated, &types.TransferProcess{ID: "b"})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.failures))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues(string(event.Completed))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues(string(event.Failed))))
}

func TestRecordCommandAndParts(t *testing.T) {
	c, _ := newTestCollector(t)
	c.RecordCommand("Terminate", "not_executable")
	c.RecordPart("HttpData", 100)
	c.RecordPart("HttpData", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.commands.WithLabelValues("Terminate", "not_executable")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.parts.WithLabelValues("HttpData")))
	assert.Equal(t, 100.0, testutil.ToFloat64(c.bytes.WithLabelValues("HttpData")))
}

func TestGauges(t *testing.T) {
	c, _ := newTestCollector(t)
	c.SetQueueDepth(7)
	c.SetActiveFlows(3)
	c.SetRecoveryTime(1.5)
	c.RecordSendRetry()
	c.ObserveCycle(10 * time.Millisecond)

	assert.Equal(t, 7.0, testutil.ToFloat64(c.queueDepth))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.activeFlows))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.recoveryTime))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sendRetries))
	assert.Equal(t, 1, testutil.CollectAndCount(c.cycle))
}

func TestUpdateStateStatsResetsMissingStates(t *testing.T) {
	c, _ := newTestCollector(t)
	c.UpdateStateStats(map[string]int{"STARTED": 2, "COMPLETED": 1})
	assert.Equal(t, 2, testutil.CollectAndCount(c.processes))

	c.UpdateStateStats(map[string]int{"COMPLETED": 3})
	assert.Equal(t, 1, testutil.CollectAndCount(c.processes))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.processes.WithLabelValues("COMPLETED")))
}

func TestConcurrentMetricUpdates(t *testing.T) {
	c, _ := newTestCollector(t)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordTransition(types.Requested)
				c.RecordCommand("Complete", "succeeded")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000.0, testutil.ToFloat64(c.transitions.WithLabelValues("REQUESTED")))
}

func TestStartServerStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- StartServer(ctx, 0, prometheus.NewRegistry()) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
