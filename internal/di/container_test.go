package di

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct{ n int }

func TestRegisterAndResolve(t *testing.T) {
	c := NewContainer()
	c.Register("counter", &counter{n: 3})

	got, err := Resolve[*counter](c, "counter")
	require.NoError(t, err)
	assert.Equal(t, 3, got.n)

	_, err = Resolve[string](c, "counter")
	assert.ErrorContains(t, err, "类型不匹配")

	_, err = Resolve[*counter](c, "missing")
	assert.ErrorContains(t, err, "missing")

	assert.Panics(t, func() { MustResolve[*counter](c, "missing") })
	assert.True(t, c.Has("counter"))
}

func TestNamesAndMissing(t *testing.T) {
	c := NewContainer()
	c.Register("sessions", 1)
	c.Register("cache", 2)

	assert.Equal(t, []string{"cache", "sessions"}, c.Names())
	assert.Equal(t, []string{"saves"}, c.Missing("cache", "saves", "sessions"))
	assert.Empty(t, c.Missing("cache"))
}

func TestCloseRunsInReverseOnce(t *testing.T) {
	c := NewContainer()
	var order []string
	c.OnClose("store", func(context.Context) error {
		order = append(order, "store")
		return nil
	})
	c.OnClose("preload", func(context.Context) error {
		order = append(order, "preload")
		return errors.New("boom")
	})
	c.OnClose("sessions", func(context.Context) error {
		order = append(order, "sessions")
		return nil
	})

	err := c.Close(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preload")
	assert.Equal(t, []string{"sessions", "preload", "store"}, order)

	require.NoError(t, c.Close(context.Background()))
	assert.Len(t, order, 3)
}
