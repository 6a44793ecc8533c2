package groutine

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_NamesGoroutine(t *testing.T) {
	names := make(chan string, 1)
	Go(nil, "worker-42", func(ctx context.Context) {
		names <- Name(ctx)
	})

	select {
	case name := <-names:
		assert.Equal(t, "worker-42", name)
	case <-time.After(time.Second):
		t.Fatal("goroutine MUST run")
	}
	assert.Empty(t, Name(context.Background()))
}

func TestGoSafe_RecoversPanic(t *testing.T) {
	logger, hook := test.NewNullLogger()
	done := make(chan struct{})

	GoSafe(context.Background(), "boom", logger, func(ctx context.Context) {
		defer close(done)
		panic("kaboom")
	})

	<-done
	require.Eventually(t, func() bool { return hook.LastEntry() != nil }, time.Second, time.Millisecond)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "boom", entry.Data["goroutine"])
	assert.Equal(t, "kaboom", entry.Data["panic"])
}
