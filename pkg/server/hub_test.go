package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/recbridge/internal/logger"
	"github.com/billm/recbridge/pkg/protocol"
	"github.com/billm/recbridge/pkg/transport"
	"github.com/billm/recbridge/pkg/transport/pipe"
)

func TestHubTracksSessions(t *testing.T) {
	hub := NewHub(testServerConfig(), nil, logger.NewNop())
	client, srv := pipe.New(t.Name())

	done := make(chan error, 1)
	go func() { done <- hub.Serve(context.Background(), srv) }()

	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, hub.Sessions(), 1)

	client.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, 0, hub.Count())
}

func TestHubSessionsShareState(t *testing.T) {
	hub := NewHub(testServerConfig(), nil, logger.NewNop())
	t.Cleanup(func() { hub.Close() })

	a, srvA := pipe.New(t.Name() + "-a")
	b, srvB := pipe.New(t.Name() + "-b")
	go hub.Handle(context.Background(), srvA)
	go hub.Handle(context.Background(), srvB)

	for i := 0; i < 3; i++ {
		send(t, a, protocol.TypeAnalyticEvent, "", protocol.AnalyticEvent{Action: "click"})
	}
	require.Eventually(t, func() bool { return hub.State().Count() == 3 }, time.Second, 5*time.Millisecond)
	for i := 0; i < 2; i++ {
		send(t, b, protocol.TypeAnalyticEvent, "", protocol.AnalyticEvent{Action: "click"})
	}

	// The fifth event overall arrives on b, so b gets the push
	env := readEnvelope(t, b)
	assert.Equal(t, protocol.TypeSaveState, env.Type)
	var data protocol.StateData
	require.NoError(t, env.Decode(&data))
	assert.Equal(t, 5, data.AnalyticsCount)
}

func TestHubCloseEndsSessions(t *testing.T) {
	hub := NewHub(testServerConfig(), nil, logger.NewNop())
	_, srv := pipe.New(t.Name())

	done := make(chan error, 1)
	go func() { done <- hub.Serve(context.Background(), srv) }()
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end on hub close")
	}

	_, late := pipe.New(t.Name() + "-late")
	assert.Error(t, hub.Serve(context.Background(), late))
}

func TestHubAcceptLoop(t *testing.T) {
	hub := NewHub(testServerConfig(), nil, logger.NewNop())
	t.Cleanup(func() { hub.Close() })

	lis, err := pipe.Listen(t.Name())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() { loopDone <- hub.AcceptLoop(ctx, lis) }()

	conn, err := transport.Dial(context.Background(), transport.TransportPipe, t.Name(), transport.DialOptions{Timeout: time.Second})
	require.NoError(t, err)
	defer conn.Close()

	env, err := protocol.NewEnvelope(protocol.TypeGetRecommendations, "abc", protocol.GetRecommendationsRequest{UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(context.Background(), env))

	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	resp, err := conn.ReadMessage(readCtx)
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.RequestID)

	cancel()
	select {
	case err := <-loopDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("accept loop did not stop")
	}
	lis.Close()
}

func TestHubDefaultRecommender(t *testing.T) {
	cfg := testServerConfig()
	cfg.Recommendations = nil
	hub := NewHub(cfg, nil, logger.NewNop())

	recs, err := hub.Recommender().Recommend(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, recs)
}
