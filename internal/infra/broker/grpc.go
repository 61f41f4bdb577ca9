package broker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// GatewayService is the gRPC service every gateway method belongs to.
const GatewayService = "brokerlink.gateway.v1.BrokerGateway"

// GRPCTransport calls a broker gateway over gRPC. Requests and responses are
// google.protobuf.Struct messages carrying the same documents as the HTTP
// transport.
type GRPCTransport struct {
	apiKey string
	conn   *grpc.ClientConn
}

var _ Transport = (*GRPCTransport)(nil)

// NewGRPCTransport creates a transport for the gateway at endpoint. TLS is used
// for https:// endpoints and port 443.
func NewGRPCTransport(endpoint, apiKey string, opts ...grpc.DialOption) (*GRPCTransport, error) {
	target := endpoint
	if strings.HasPrefix(endpoint, "https://") || strings.HasSuffix(endpoint, ":443") {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
		target = strings.TrimPrefix(target, "https://")
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		target = strings.TrimPrefix(target, "http://")
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", target, err)
	}
	return &GRPCTransport{apiKey: apiKey, conn: conn}, nil
}

// Method returns the full gRPC method name for op.
func Method(op Operation) string {
	parts := strings.Split(string(op), "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return "/" + GatewayService + "/" + strings.Join(parts, "")
}

// Invoke makes a single unary call.
func (t *GRPCTransport) Invoke(ctx context.Context, call Call, resp *Envelope) error {
	req, err := toStruct(map[string]any{"broker": call.Broker, "body": call.Body})
	if err != nil {
		return &Error{Broker: call.Broker, Op: call.Op, Err: err}
	}

	md := []string{}
	if t.apiKey != "" {
		md = append(md, "x-api-key", t.apiKey)
	}
	if call.AccessToken != "" {
		md = append(md, "authorization", "Bearer "+call.AccessToken)
	}
	if len(md) > 0 {
		ctx = metadata.AppendToOutgoingContext(ctx, md...)
	}

	out := &structpb.Struct{}
	if err := t.conn.Invoke(ctx, Method(call.Op), req, out); err != nil {
		return fromStatus(call, err)
	}

	data, err := json.Marshal(out.AsMap())
	if err != nil {
		return &Error{Broker: call.Broker, Op: call.Op, Err: fmt.Errorf("encode response: %w", err)}
	}
	if err := json.Unmarshal(data, resp); err != nil {
		return &Error{Broker: call.Broker, Op: call.Op, Err: fmt.Errorf("parse response: %w", err)}
	}
	return nil
}

// Close closes the connection.
func (t *GRPCTransport) Close() error {
	return t.conn.Close()
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return structpb.NewStruct(m)
}

var grpcHTTPStatus = map[codes.Code]int{
	codes.InvalidArgument:    400,
	codes.FailedPrecondition: 400,
	codes.OutOfRange:         400,
	codes.Unauthenticated:    401,
	codes.PermissionDenied:   403,
	codes.NotFound:           404,
	codes.AlreadyExists:      409,
	codes.ResourceExhausted:  429,
	codes.Internal:           500,
	codes.Unknown:            500,
	codes.Unimplemented:      501,
	codes.Unavailable:        503,
}

var grpcCode = map[codes.Code]string{
	codes.DeadlineExceeded:  "DEADLINE_EXCEEDED",
	codes.Unauthenticated:   "UNAUTHENTICATED",
	codes.PermissionDenied:  "PERMISSION_DENIED",
	codes.ResourceExhausted: "RESOURCE_EXHAUSTED",
	codes.Unavailable:       "UNAVAILABLE",
	codes.InvalidArgument:   "INVALID_ARGUMENT",
}

// fromStatus maps a gRPC status onto *Error, reading RetryInfo and ErrorInfo
// details when the gateway attached them.
func fromStatus(call Call, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return &Error{Broker: call.Broker, Op: call.Op, Err: err}
	}
	if st.Code() == codes.Canceled {
		return &Error{Broker: call.Broker, Op: call.Op, Err: context.Canceled}
	}

	be := &Error{
		Broker:     call.Broker,
		Op:         call.Op,
		StatusCode: grpcHTTPStatus[st.Code()],
		Code:       grpcCode[st.Code()],
		Message:    st.Message(),
	}
	for _, d := range st.Details() {
		switch info := d.(type) {
		case *errdetails.RetryInfo:
			be.RetryAfter = info.GetRetryDelay().AsDuration()
		case *errdetails.ErrorInfo:
			if info.GetReason() != "" {
				be.Code = info.GetReason()
			}
			if u := info.GetMetadata()["auth_url"]; u != "" {
				be.AuthURL = u
			}
		}
	}
	return be
}
