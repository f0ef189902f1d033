package middleware

import (
	"context"

	"estate-credits/pkg/errutil"

	"google.golang.org/grpc"
)

// GRPCError converts domain errors returned by unary handlers into status errors.
func GRPCError() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		return resp, errutil.ToGRPCError(err)
	}
}
