// Package auth adds bearer/basic authentication to the receivers and the
// primary export sink, for both gRPC and HTTP transports.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ServerConfig holds authentication settings for the receivers.
type ServerConfig struct {
	// Enabled enables authentication for incoming requests.
	Enabled bool
	// BearerToken is the expected bearer token.
	BearerToken string
	// BasicAuthUsername is the expected basic-auth username.
	BasicAuthUsername string
	// BasicAuthPassword is the expected basic-auth password.
	BasicAuthPassword string
}

// ClientConfig holds authentication settings for the export sink.
type ClientConfig struct {
	// BearerToken is sent as "Authorization: Bearer ..." when set.
	BearerToken string
	// BasicAuthUsername/BasicAuthPassword are sent as basic auth when both set.
	BasicAuthUsername string
	BasicAuthPassword string
	// Headers are additional headers attached to every request.
	Headers map[string]string
}

// Required reports whether the client config carries any credentials.
func (c ClientConfig) Required() bool {
	return c.BearerToken != "" || c.BasicAuthUsername != "" || len(c.Headers) > 0
}

// GRPCServerInterceptor returns a unary interceptor validating incoming auth.
func GRPCServerInterceptor(cfg ServerConfig) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !cfg.Enabled {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		var header string
		if vals := md.Get("authorization"); len(vals) > 0 {
			header = vals[0]
		}
		if err := validate(header, cfg); err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}

		return handler(ctx, req)
	}
}

// HTTPMiddleware wraps next with incoming auth validation.
func HTTPMiddleware(cfg ServerConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		if err := validate(r.Header.Get("Authorization"), cfg); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// validate checks an Authorization header value against the server config.
// Comparisons are constant-time to avoid leaking credential prefixes.
func validate(header string, cfg ServerConfig) error {
	if cfg.BearerToken != "" {
		if header == "" {
			return fmt.Errorf("missing authorization header")
		}
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header {
			return fmt.Errorf("invalid authorization header format")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.BearerToken)) != 1 {
			return fmt.Errorf("invalid bearer token")
		}
		return nil
	}

	if cfg.BasicAuthUsername != "" && cfg.BasicAuthPassword != "" {
		if header == "" {
			return fmt.Errorf("missing authorization header")
		}
		expected := "Basic " + basicAuthEncoded(cfg.BasicAuthUsername, cfg.BasicAuthPassword)
		if subtle.ConstantTimeCompare([]byte(header), []byte(expected)) != 1 {
			return fmt.Errorf("invalid basic auth credentials")
		}
		return nil
	}

	return nil
}

// GRPCClientInterceptor returns a unary interceptor attaching outgoing auth.
func GRPCClientInterceptor(cfg ClientConfig) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		md := metadata.MD{}

		if cfg.BearerToken != "" {
			md.Set("authorization", "Bearer "+cfg.BearerToken)
		}
		if cfg.BasicAuthUsername != "" && cfg.BasicAuthPassword != "" {
			md.Set("authorization", "Basic "+basicAuthEncoded(cfg.BasicAuthUsername, cfg.BasicAuthPassword))
		}
		for k, v := range cfg.Headers {
			md.Set(k, v)
		}

		if len(md) > 0 {
			ctx = metadata.NewOutgoingContext(ctx, md)
		}

		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// HTTPTransport wraps base with outgoing auth headers.
func HTTPTransport(cfg ClientConfig, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authTransport{base: base, cfg: cfg}
}

type authTransport struct {
	base http.RoundTripper
	cfg  ClientConfig
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone so the caller's request is never mutated.
	clone := req.Clone(req.Context())

	if t.cfg.BearerToken != "" {
		clone.Header.Set("Authorization", "Bearer "+t.cfg.BearerToken)
	}
	if t.cfg.BasicAuthUsername != "" && t.cfg.BasicAuthPassword != "" {
		clone.SetBasicAuth(t.cfg.BasicAuthUsername, t.cfg.BasicAuthPassword)
	}
	for k, v := range t.cfg.Headers {
		clone.Header.Set(k, v)
	}

	return t.base.RoundTrip(clone)
}

func basicAuthEncoded(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}
