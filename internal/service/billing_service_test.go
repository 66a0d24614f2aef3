package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/uni-registrar-api/pkg/jobs"
)

type fakeTuitionWriter struct {
	mu   sync.Mutex
	paid map[string]bool
}

func newFakeTuitionWriter() *fakeTuitionWriter {
	return &fakeTuitionWriter{paid: make(map[string]bool)}
}

func (f *fakeTuitionWriter) MarkPaid(ctx context.Context, studentID, termID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := studentID + "/" + termID
	if f.paid[key] {
		return false, nil
	}
	f.paid[key] = true
	return true, nil
}

func (f *fakeTuitionWriter) isPaid(studentID, termID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paid[studentID+"/"+termID]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestBillingCreditsTuitionInBackground(t *testing.T) {
	tuition := newFakeTuitionWriter()
	svc := NewBillingService(tuition, jobs.QueueConfig{Workers: 1, RetryDelay: time.Millisecond}, nil)
	svc.Start(context.Background())
	defer svc.Stop()

	require.NoError(t, svc.NotifyTuitionPaid(context.Background(), "student-1", "term-1"))
	waitFor(t, func() bool { return tuition.isPaid("student-1", "term-1") })
}

func TestBillingRedeliveryIsHarmless(t *testing.T) {
	tuition := newFakeTuitionWriter()
	svc := NewBillingService(tuition, jobs.QueueConfig{Workers: 2, RetryDelay: time.Millisecond}, nil)
	svc.Start(context.Background())
	defer svc.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.NotifyTuitionPaid(context.Background(), "student-1", "term-1"))
	}
	waitFor(t, func() bool { return tuition.isPaid("student-1", "term-1") })
	assert.True(t, tuition.isPaid("student-1", "term-1"))
}

func TestBillingRejectsEnqueueBeforeStart(t *testing.T) {
	svc := NewBillingService(newFakeTuitionWriter(), jobs.QueueConfig{}, nil)
	err := svc.NotifyTuitionPaid(context.Background(), "student-1", "term-1")
	assert.Error(t, err)
}
