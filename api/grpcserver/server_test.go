package grpcserver

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"streamrelay/domain/event"
	"streamrelay/infra/metrics"
	"streamrelay/service"
)

type fakeBridge struct {
	counters metrics.Counters
	stopped  int
	stopErr  error
}

func (f *fakeBridge) Stats() service.Stats {
	return service.Stats{
		State:    service.StateRunning,
		Session:  event.Snapshot{State: event.StateOpen, LastEventID: "1700", Attempt: 3},
		InFlight: 2,
		LastSeq:  118,
		Counters: f.counters.Snapshot(),
	}
}

func (f *fakeBridge) Stop(context.Context) (service.StopReport, error) {
	f.stopped++
	return service.StopReport{LostOnShutdown: 2, Discarded: 5, Took: time.Second}, f.stopErr
}

func dial(t *testing.T, b Bridge) (*Client, healthpb.HealthClient, *Server) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	srv := NewServer(b, zerolog.Nop())
	g := grpc.NewServer()
	srv.Register(g)
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })

	return NewClient(cc), healthpb.NewHealthClient(cc), srv
}

func TestAdmin_GetStats(t *testing.T) {
	b := &fakeBridge{}
	b.counters.Received.Add(10)
	b.counters.Published.Add(8)
	client, _, _ := dial(t, b)

	out, err := client.GetStats(context.Background())
	require.NoError(t, err)

	m := out.AsMap()
	assert.Equal(t, "RUNNING", m["state"])
	assert.Equal(t, float64(2), m["in_flight"])
	assert.Equal(t, float64(118), m["last_seq"])

	session := m["session"].(map[string]any)
	assert.Equal(t, "OPEN", session["state"])
	assert.Equal(t, "1700", session["last_event_id"])

	counters := m["counters"].(map[string]any)
	assert.Equal(t, float64(10), counters["events_received"])
	assert.Equal(t, float64(8), counters["events_published"])
}

func TestAdmin_StopReportsShutdownTimeout(t *testing.T) {
	b := &fakeBridge{stopErr: fmt.Errorf("%w: 2 pending", event.ErrShutdownTimeout)}
	client, health, srv := dial(t, b)
	srv.SetServing(true)

	resp, err := health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	out, err := client.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, b.stopped)

	m := out.AsMap()
	assert.Equal(t, false, m["drained"])
	assert.Equal(t, float64(2), m["lost_on_shutdown"])
	assert.Equal(t, float64(5), m["discarded"])
	assert.Contains(t, m["error"], "grace period elapsed")

	resp, err = health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}
