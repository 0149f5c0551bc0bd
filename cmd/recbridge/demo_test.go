package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/recbridge/internal/config"
	"github.com/billm/recbridge/internal/logger"
	"github.com/billm/recbridge/pkg/client"
	"github.com/billm/recbridge/pkg/server"
	"github.com/billm/recbridge/pkg/transport"
	"github.com/billm/recbridge/pkg/transport/pipe"
)

func TestRunDemo(t *testing.T) {
	hub := server.NewHub(config.DefaultServerConfig(), nil, logger.NewNop())
	t.Cleanup(func() { hub.Close() })

	lis, err := pipe.Listen(t.Name())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		lis.Close()
	})
	go hub.AcceptLoop(ctx, lis)

	c, err := client.New(client.Options{
		Transport: transport.TransportPipe,
		Address:   t.Name(),
		Logger:    logger.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	var out bytes.Buffer
	err = runDemo(context.Background(), c, &out, demoOptions{UserID: "user_123", Clicks: 7, Views: 3})
	require.NoError(t, err)

	assert.Contains(t, out.String(), "recommendations for user_123: Product A")
	assert.Contains(t, out.String(), "sent analytic event: view page_2")
	require.Eventually(t, func() bool { return hub.State().Count() == 10 }, 2*time.Second, 10*time.Millisecond)

	pref, ok := hub.State().Preference("user_123")
	require.True(t, ok)
	assert.Equal(t, server.PreferenceLastRecommended, pref)
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleep(context.Background(), 0))
}
