// Package grpcapi serves the dive operations over gRPC. Messages are
// google.protobuf.Struct values; amounts travel as decimal strings so the
// full uint64 range survives the Struct number type.
package grpcapi

import (
	"context"

	"github.com/xtding233/dive-backend/internal/engine"
	"github.com/xtding233/dive-backend/internal/game"
	"github.com/xtding233/dive-backend/internal/gameerr"
	"github.com/xtding233/dive-backend/internal/session"
	"github.com/xtding233/dive-backend/internal/vault"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "dive.v1.DiveService"

// Service is the engine surface exposed over gRPC.
type Service interface {
	GetConfig(ctx context.Context) (game.Configuration, error)
	GetVault(ctx context.Context, id string) (vault.Vault, error)
	GetSession(ctx context.Context, id string) (session.Session, error)
	OpenSession(ctx context.Context, req engine.OpenRequest) (session.Session, error)
	AdvanceRound(ctx context.Context, sessionID, caller string) (engine.AdvanceResult, error)
	Settle(ctx context.Context, sessionID, caller string) (engine.SettleResult, error)
	ToggleLock(ctx context.Context, vaultID, authority string) (vault.Vault, error)
}

// DiveServiceServer is the handler type bound by the service descriptor.
type DiveServiceServer interface {
	GetConfig(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetVault(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AdvanceRound(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Settle(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ToggleLock(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type method func(DiveServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call method) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(DiveServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(DiveServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes dive.v1.DiveService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DiveServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetConfig", DiveServiceServer.GetConfig),
		unary("GetVault", DiveServiceServer.GetVault),
		unary("GetSession", DiveServiceServer.GetSession),
		unary("OpenSession", DiveServiceServer.OpenSession),
		unary("AdvanceRound", DiveServiceServer.AdvanceRound),
		unary("Settle", DiveServiceServer.Settle),
		unary("ToggleLock", DiveServiceServer.ToggleLock),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dive/v1/dive.proto",
}

// NewServer builds a gRPC server with the dive and health services registered.
func NewServer(svc Service, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	s := grpc.NewServer(opts...)
	s.RegisterService(&ServiceDesc, &server{svc: svc})
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	return s, hs
}

type server struct {
	svc Service
}

func (s *server) GetConfig(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	cfg, err := s.svc.GetConfig(ctx)
	if err != nil {
		return nil, gameerr.GRPCStatus(err)
	}
	return encode(configFields(cfg))
}

func (s *server) GetVault(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	v, err := s.svc.GetVault(ctx, str(in, "id"))
	if err != nil {
		return nil, gameerr.GRPCStatus(err)
	}
	return encode(vaultFields(v))
}

func (s *server) GetSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ss, err := s.svc.GetSession(ctx, str(in, "id"))
	if err != nil {
		return nil, gameerr.GRPCStatus(err)
	}
	return encode(sessionFields(ss))
}

func (s *server) OpenSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	bet, err := amountField(in, "bet")
	if err != nil {
		return nil, gameerr.GRPCStatus(err)
	}
	ss, err := s.svc.OpenSession(ctx, engine.OpenRequest{
		Player:  str(in, "player"),
		VaultID: str(in, "vault_id"),
		Bet:     bet,
	})
	if err != nil {
		return nil, gameerr.GRPCStatus(err)
	}
	return encode(map[string]any{"session_id": ss.ID, "session": sessionFields(ss)})
}

func (s *server) AdvanceRound(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.svc.AdvanceRound(ctx, str(in, "session_id"), str(in, "caller"))
	if err != nil {
		return nil, gameerr.GRPCStatus(err)
	}
	return encode(map[string]any{
		"session":       sessionFields(res.Session),
		"survived":      res.Survived,
		"roll":          float64(res.Resolution.Roll),
		"threshold_ppm": float64(res.Resolution.Threshold),
	})
}

func (s *server) Settle(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.svc.Settle(ctx, str(in, "session_id"), str(in, "caller"))
	if err != nil {
		return nil, gameerr.GRPCStatus(err)
	}
	return encode(map[string]any{"payout_amount": amount(res.Payout), "session": sessionFields(res.Session)})
}

func (s *server) ToggleLock(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	v, err := s.svc.ToggleLock(ctx, str(in, "vault_id"), str(in, "authority"))
	if err != nil {
		return nil, gameerr.GRPCStatus(err)
	}
	return encode(vaultFields(v))
}
