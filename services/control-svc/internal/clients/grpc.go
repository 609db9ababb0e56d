package clients

import (
	"time"

	grpc_retry "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
)

// dialLocal opens an insecure connection to an on-prem endpoint with a
// retrying unary interceptor. Used for the SCADA bridge health probe.
func dialLocal(addr string, maxRetries uint, backoff time.Duration) (*grpc.ClientConn, error) {
	if maxRetries == 0 {
		maxRetries = 3
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}

	retryOpts := []grpc_retry.CallOption{
		grpc_retry.WithBackoff(grpc_retry.BackoffLinear(backoff)),
		grpc_retry.WithCodes(codes.Unavailable, codes.Aborted, codes.DeadlineExceeded),
		grpc_retry.WithMax(maxRetries),
	}

	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(grpc_retry.UnaryClientInterceptor(retryOpts...)),
	)
}
