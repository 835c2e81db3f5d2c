package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMetrics(t *testing.T) {
	// InitMetrics uses sync.Once, so these tests share one registration
	InitMetrics()
	InitMetrics()

	assert.True(t, IsMetricsRegistered())
	assert.NotNil(t, GetSplitTotal())
	assert.NotNil(t, GetSecretsWrittenTotal())
	assert.NotNil(t, GetHydrateTotal())
	assert.NotNil(t, GetPersistenceDuration())
}

func TestRecordSplit(t *testing.T) {
	InitMetrics()

	before := testutil.ToFloat64(GetSplitTotal().WithLabelValues(ResultConflict))
	RecordSplit(ResultConflict)
	RecordSplit(ResultConflict)

	assert.Equal(t, before+2, testutil.ToFloat64(GetSplitTotal().WithLabelValues(ResultConflict)))
}

func TestRecordSecretWritten(t *testing.T) {
	InitMetrics()

	before := testutil.ToFloat64(GetSecretsWrittenTotal().WithLabelValues("metrics-test", KindRotated))
	RecordSecretWritten("metrics-test", KindRotated)

	assert.Equal(t, before+1, testutil.ToFloat64(GetSecretsWrittenTotal().WithLabelValues("metrics-test", KindRotated)))
}

func TestRecordHydrate(t *testing.T) {
	InitMetrics()

	before := testutil.ToFloat64(GetHydrateTotal().WithLabelValues(ResultFailure))
	RecordHydrate(ResultFailure)

	assert.Equal(t, before+1, testutil.ToFloat64(GetHydrateTotal().WithLabelValues(ResultFailure)))
}

func TestObservePersistence(t *testing.T) {
	InitMetrics()

	ObservePersistence("metrics-test", "read", time.Now().Add(-10*time.Millisecond))

	count := testutil.CollectAndCount(GetPersistenceDuration(), "cfgsecrets_persistence_duration_seconds")
	require.GreaterOrEqual(t, count, 1)
}
