package grpcserver

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"streamrelay/domain/event"
	"streamrelay/service"
)

// Bridge is what the admin service controls.
type Bridge interface {
	Stats() service.Stats
	Stop(ctx context.Context) (service.StopReport, error)
}

// Server adapts a Bridge to gRPC.
type Server struct {
	bridge Bridge
	health *health.Server
	log    zerolog.Logger
}

func NewServer(b Bridge, log zerolog.Logger) *Server {
	return &Server{
		bridge: b,
		health: health.NewServer(),
		log:    log,
	}
}

// Register adds the admin and health services to g. Health starts as
// NOT_SERVING until SetServing is called.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&ServiceDesc, s)
	healthpb.RegisterHealthServer(g, s.health)
	s.SetServing(false)
}

// SetServing flips the health status of the admin service and the
// server as a whole.
func (s *Server) SetServing(up bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if up {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// -------------------- Queries --------------------

func (s *Server) GetStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := s.bridge.Stats()

	counters := make(map[string]any)
	for k, v := range st.Counters.Map() {
		counters[k] = v
	}

	out, err := structpb.NewStruct(map[string]any{
		"state":     st.State.String(),
		"in_flight": st.InFlight,
		"last_seq":  st.LastSeq,
		"session": map[string]any{
			"state":         st.Session.State.String(),
			"last_event_id": st.Session.LastEventID,
			"attempt":       st.Session.Attempt,
		},
		"counters": counters,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode stats: %v", err)
	}
	return out, nil
}

// -------------------- Commands --------------------

func (s *Server) Stop(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.log.Info().Msg("stop requested over admin api")
	s.SetServing(false)

	report, err := s.bridge.Stop(ctx)
	if err != nil && !errors.Is(err, event.ErrShutdownTimeout) {
		return nil, status.Errorf(codes.Internal, "stop: %v", err)
	}

	fields := map[string]any{
		"drained":          report.Drained,
		"lost_on_shutdown": report.LostOnShutdown,
		"discarded":        report.Discarded,
		"took":             report.Took.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode report: %v", err)
	}
	return out, nil
}
