package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getGaugeVecValue(gv *prometheus.GaugeVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := gv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getHistogramCount(h prometheus.Metric) uint64 {
	m := &dto.Metric{}
	if err := h.Write(m); err != nil {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}

func TestRecordBreakerTransition(t *testing.T) {
	RecordBreakerTransition("durable-store", "closed", "open")

	val := getCounterValue(BreakerTransitionsTotal, "durable-store", "closed", "open")
	if val < 1 {
		t.Errorf("BreakerTransitionsTotal = %f, want >= 1", val)
	}
	state := getGaugeVecValue(BreakerState, "durable-store")
	if state != 2 {
		t.Errorf("BreakerState after open = %f, want 2", state)
	}

	RecordBreakerTransition("durable-store", "open", "half_open")
	state = getGaugeVecValue(BreakerState, "durable-store")
	if state != 1 {
		t.Errorf("BreakerState after half_open = %f, want 1", state)
	}

	RecordBreakerTransition("durable-store", "half_open", "closed")
	state = getGaugeVecValue(BreakerState, "durable-store")
	if state != 0 {
		t.Errorf("BreakerState after closed = %f, want 0", state)
	}
}

func TestRecordStoreFallbackWrite(t *testing.T) {
	RecordStoreFallbackWrite("UpdateOne")
	RecordStoreFallbackWrite("UpdateOne")

	val := getCounterValue(StoreFallbackWritesTotal, "UpdateOne")
	if val < 2 {
		t.Errorf("StoreFallbackWritesTotal = %f, want >= 2", val)
	}
}

func TestRecordCacheFallbackEnterExit(t *testing.T) {
	RecordCacheFallbackEnter()
	if getGaugeValue(CacheFallbackActive) != 1 {
		t.Error("CacheFallbackActive should be 1 after enter")
	}
	enterCount := getCounterValue(CacheFallbackTransitionsTotal, "enter")
	if enterCount < 1 {
		t.Errorf("CacheFallbackTransitionsTotal{enter} = %f, want >= 1", enterCount)
	}

	RecordCacheFallbackExit()
	if getGaugeValue(CacheFallbackActive) != 0 {
		t.Error("CacheFallbackActive should be 0 after exit")
	}
	exitCount := getCounterValue(CacheFallbackTransitionsTotal, "exit")
	if exitCount < 1 {
		t.Errorf("CacheFallbackTransitionsTotal{exit} = %f, want >= 1", exitCount)
	}
}

func TestRecordBatchFlush(t *testing.T) {
	RecordBatchFlush("committed", 42)

	val := getCounterValue(BatchFlushesTotal, "committed")
	if val < 1 {
		t.Errorf("BatchFlushesTotal{committed} = %f, want >= 1", val)
	}
	count := getHistogramCount(BatchSizeObserved)
	if count < 1 {
		t.Errorf("BatchSizeObserved sample count = %d, want >= 1", count)
	}
}

func TestSetParkedAnswers(t *testing.T) {
	SetParkedAnswers(7)
	if val := getGaugeValue(ParkedAnswersTotal); val != 7 {
		t.Errorf("ParkedAnswersTotal = %f, want 7", val)
	}
	SetParkedAnswers(0)
	if val := getGaugeValue(ParkedAnswersTotal); val != 0 {
		t.Errorf("ParkedAnswersTotal after clear = %f, want 0", val)
	}
}

func TestRecordRecoveryTick(t *testing.T) {
	RecordRecoveryTick("clean", 5, 0)

	ticks := getCounterValue(RecoveryTicksTotal, "clean")
	if ticks < 1 {
		t.Errorf("RecoveryTicksTotal{clean} = %f, want >= 1", ticks)
	}
	applied := getCounterValue(RecoveryWritesAppliedTotal, "applied")
	if applied < 5 {
		t.Errorf("RecoveryWritesAppliedTotal{applied} = %f, want >= 5", applied)
	}

	RecordRecoveryTick("partial", 2, 3)
	failed := getCounterValue(RecoveryWritesAppliedTotal, "failed")
	if failed < 3 {
		t.Errorf("RecoveryWritesAppliedTotal{failed} = %f, want >= 3", failed)
	}
}

func TestRecordSessionRecovery(t *testing.T) {
	RecordSessionRecovery("success", 15*time.Millisecond)
	RecordSessionRecovery("SessionExpired", 5*time.Millisecond)

	successCount := getCounterValue(SessionRecoveryOutcomesTotal, "success")
	if successCount < 1 {
		t.Errorf("SessionRecoveryOutcomesTotal{success} = %f, want >= 1", successCount)
	}
	expiredCount := getCounterValue(SessionRecoveryOutcomesTotal, "SessionExpired")
	if expiredCount < 1 {
		t.Errorf("SessionRecoveryOutcomesTotal{SessionExpired} = %f, want >= 1", expiredCount)
	}
	durCount := getHistogramCount(SessionRecoveryDurationSeconds)
	if durCount < 2 {
		t.Errorf("SessionRecoveryDurationSeconds sample count = %d, want >= 2", durCount)
	}
}
