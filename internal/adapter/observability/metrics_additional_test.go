package observability_test

import (
	"testing"
	"time"

	"github.com/segforge/segcore/internal/adapter/observability"
	"github.com/stretchr/testify/assert"
)

func TestRecordInference(t *testing.T) {
	t.Parallel()

	observability.RecordInference("cellseg-v2", "success", 2*time.Second)
	observability.RecordInference("cellseg-v1", "failure", 500*time.Millisecond)

	assert.True(t, true)
}

func TestRecordExportPhase(t *testing.T) {
	t.Parallel()

	observability.RecordExportPhase("images", 1*time.Second)
	observability.RecordExportPhase("metrics", 3*time.Second)

	assert.True(t, true)
}

func TestRecordEventPublishedAndDropped(t *testing.T) {
	t.Parallel()

	observability.RecordEventPublished("segmentationProgress")
	observability.RecordEventPublished("export:completed")
	observability.RecordEventDropped("queueStats")

	assert.True(t, true)
}

func TestRecordCircuitBreakerStatus(t *testing.T) {
	t.Parallel()

	observability.RecordCircuitBreakerStatus("ml-service", "call", 0) // Closed
	observability.RecordCircuitBreakerStatus("ml-service", "call", 1) // Open
	observability.RecordCircuitBreakerStatus("ml-service", "call", 2) // Half-open

	assert.True(t, true)
}

func TestSetRoomSubscribers(t *testing.T) {
	t.Parallel()

	observability.SetRoomSubscribers("project", 3)
	observability.SetRoomSubscribers("user", 0)

	assert.True(t, true)
}

func TestMetricsFunctions_EdgeCases(t *testing.T) {
	t.Parallel()

	observability.RecordInference("", "", 0)
	observability.RecordExportPhase("", 0)
	observability.RecordCircuitBreakerStatus("", "", -1)
	observability.RecordEventPublished("")
	observability.RecordEventDropped("")

	observability.RecordInference("test", "success", 999*time.Second)
	observability.RecordExportPhase("test", 999*time.Second)
	observability.RecordCircuitBreakerStatus("test", "test", 999)

	assert.True(t, true)
}

func TestMetricsFunctions_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	done := make(chan bool, 10)

	for i := 0; i < 10; i++ {
		go func(index int) {
			observability.RecordInference("model", "success", time.Duration(index)*time.Millisecond)
			observability.RecordExportPhase("images", time.Duration(index)*time.Millisecond)
			observability.RecordCircuitBreakerStatus("service", "call", index%3)
			observability.RecordEventPublished("queueStats")
			observability.SetRoomSubscribers("project", index)
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	assert.True(t, true)
}

func TestMetricsFunctions_RealisticScenarios(t *testing.T) {
	t.Parallel()

	scenarios := []struct {
		name     string
		model    string
		outcome  string
		duration time.Duration
	}{
		{"fast success", "cellseg-v2", "success", 800 * time.Millisecond},
		{"slow success", "cellseg-v1", "success", 45 * time.Second},
		{"timeout failure", "cellseg-v2", "failure", 120 * time.Second},
		{"retried success", "cellseg-v2", "success", 3 * time.Second},
	}

	for _, scenario := range scenarios {
		t.Run(scenario.name, func(_ *testing.T) {
			observability.RecordInference(scenario.model, scenario.outcome, scenario.duration)

			phases := []string{"images", "visualizations", "annotations", "metrics", "compression"}
			for _, phase := range phases {
				observability.RecordExportPhase(phase, scenario.duration/time.Duration(len(phases)))
			}

			state := int(scenario.duration.Seconds()) % 3
			observability.RecordCircuitBreakerStatus(scenario.model, scenario.outcome, state)
		})
	}

	assert.True(t, true)
}

func TestMetricsFunctions_Performance(t *testing.T) {
	t.Parallel()

	start := time.Now()

	for i := 0; i < 1000; i++ {
		observability.RecordInference("test", "success", time.Duration(i)*time.Millisecond)
		observability.RecordExportPhase("test", time.Duration(i)*time.Millisecond)
		observability.RecordCircuitBreakerStatus("test", "test", i%3)
		observability.RecordEventPublished("test")
	}

	duration := time.Since(start)

	assert.Less(t, duration, time.Second)
}

func TestMetricsFunctions_StringValues(t *testing.T) {
	t.Parallel()

	models := []string{"cellseg-v1", "cellseg-v2", "nuclei-fast", "custom"}
	outcomes := []string{"success", "failure", "timeout"}
	events := []string{"segmentationProgress", "queueStats", "export:completed"}

	for _, model := range models {
		for _, outcome := range outcomes {
			observability.RecordInference(model, outcome, 100*time.Millisecond)
		}
	}

	for _, event := range events {
		observability.RecordEventPublished(event)
		observability.RecordEventDropped(event)
	}

	assert.True(t, true)
}
