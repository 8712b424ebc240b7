package observability

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_RunsFuncsInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), nil, time.Second)

	var order []string
	for _, name := range []string{"repository", "otel", "watcher"} {
		name := name
		sm.RegisterShutdownFunc(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, []string{"watcher", "otel", "repository"}, order)
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(nil, &http.Server{}, time.Second)

	boom := errors.New("boom")
	ran := false
	sm.RegisterShutdownFunc("first", func(context.Context) error {
		ran = true
		return nil
	})
	sm.RegisterShutdownFunc("second", func(context.Context) error { return boom })

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, ran, "later failures must not skip earlier registrations")
}

func TestShutdownManager_WaitForShutdownOnContext(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), nil, time.Second)
	called := make(chan struct{})
	sm.RegisterShutdownFunc("repository", func(context.Context) error {
		close(called)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, sm.WaitForShutdown(ctx))
	select {
	case <-called:
	default:
		t.Fatal("shutdown func was not called")
	}
}

func TestPanicError(t *testing.T) {
	assert.NoError(t, PanicError(nil))

	base := errors.New("bad")
	assert.ErrorIs(t, PanicError(base), base)
	assert.EqualError(t, PanicError("oops"), "panic: oops")
}

func TestRecoverPanicWithCallback(t *testing.T) {
	var got interface{}
	func() {
		defer RecoverPanicWithCallback(NopLogger(), "test", func(r interface{}) { got = r })
		panic("kaboom")
	}()
	assert.Equal(t, "kaboom", got)
}
