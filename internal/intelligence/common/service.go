package common

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/turtacn/nl2sql-engine/pkg/errors"
)

// RegisterScorerService exposes impl as the nl2sql.Scorer gRPC service, the
// server side of GRPCScorer.
func RegisterScorerService(reg grpc.ServiceRegistrar, impl Scorer) {
	reg.RegisterService(&scorerServiceDesc, impl)
}

var scorerServiceDesc = grpc.ServiceDesc{
	ServiceName: ScorerServiceName,
	HandlerType: (*Scorer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ScoreStructure", Handler: scoreStructureHandler},
		{MethodName: "ScorePairs", Handler: scorePairsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nl2sql/scorer",
}

func scoreStructureHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		batch, err := DecodeQueryBatch(req.(*structpb.Struct))
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		outs, err := srv.(Scorer).ScoreStructure(ctx, batch)
		if err != nil {
			return nil, toStatus(err)
		}
		return EncodeOutputs(outs), nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodScoreStructure}
	return interceptor(ctx, in, info, handler)
}

func scorePairsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		batch, err := DecodePairBatch(req.(*structpb.Struct))
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		scores, err := srv.(Scorer).ScorePairs(ctx, batch)
		if err != nil {
			return nil, toStatus(err)
		}
		return EncodeScores(scores), nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodScorePairs}
	return interceptor(ctx, in, info, handler)
}

func toStatus(err error) error {
	switch errors.GetCode(err) {
	case errors.ErrCodeValidation, errors.ErrCodeLengthMismatch, errors.ErrCodeSerialization:
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.ErrCodeServiceUnavailable:
		return status.Error(codes.Unavailable, err.Error())
	case errors.ErrCodeTimeout:
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
