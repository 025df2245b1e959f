package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"hft-core/internal/market"
)

// PredictMethod is the full gRPC method name served by remote estimators.
// Requests and responses are google.protobuf.Struct messages.
const PredictMethod = "/hft.signal.v1.Estimator/Predict"

// RemoteEstimator asks an out-of-process model over gRPC.
type RemoteEstimator struct {
	name    string
	conn    *grpc.ClientConn
	timeout time.Duration
}

// DialRemoteEstimator connects lazily to addr.
func DialRemoteEstimator(name, addr string, timeout time.Duration, opts ...grpc.DialOption) (*RemoteEstimator, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial estimator %s: %w", name, err)
	}
	return NewRemoteEstimator(name, conn, timeout), nil
}

// NewRemoteEstimator uses an existing connection.
func NewRemoteEstimator(name string, conn *grpc.ClientConn, timeout time.Duration) *RemoteEstimator {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RemoteEstimator{name: name, conn: conn, timeout: timeout}
}

func (r *RemoteEstimator) Name() string { return r.name }

func (r *RemoteEstimator) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

func (r *RemoteEstimator) Predict(ctx context.Context, ev market.Event) (Prediction, error) {
	req, err := eventStruct(ev)
	if err != nil {
		return Hold, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp := new(structpb.Struct)
	if err := r.conn.Invoke(ctx, PredictMethod, req, resp); err != nil {
		return Hold, fmt.Errorf("remote estimator %s: %w", r.name, err)
	}
	v, ok := resp.GetFields()["prediction"]
	if !ok {
		return Hold, fmt.Errorf("remote estimator %s: response has no prediction", r.name)
	}
	p := Prediction(int8(v.GetNumberValue()))
	if float64(p) != v.GetNumberValue() || !p.Valid() {
		return Hold, fmt.Errorf("remote estimator %s: invalid prediction %v", r.name, v.GetNumberValue())
	}
	return p, nil
}

func eventStruct(ev market.Event) (*structpb.Struct, error) {
	price, _ := ev.Price.Float64()
	change, _ := ev.Change24h.Float64()
	mcap, _ := ev.MarketCap.Float64()
	return structpb.NewStruct(map[string]any{
		"userId":     ev.UserID,
		"symbol":     ev.Symbol,
		"price":      price,
		"change24h":  change,
		"marketCap":  mcap,
		"observedAt": ev.ObservedAt.Format(time.RFC3339Nano),
	})
}

func structEvent(s *structpb.Struct) market.Event {
	f := s.GetFields()
	ev := market.Event{
		UserID: f["userId"].GetStringValue(),
		Symbol: f["symbol"].GetStringValue(),
	}
	ev.Price = decimal.NewFromFloat(f["price"].GetNumberValue())
	ev.Change24h = decimal.NewFromFloat(f["change24h"].GetNumberValue())
	ev.MarketCap = decimal.NewFromFloat(f["marketCap"].GetNumberValue())
	if t, err := time.Parse(time.RFC3339Nano, f["observedAt"].GetStringValue()); err == nil {
		ev.ObservedAt = t
	}
	return ev
}

// PredictServer is the server side of PredictMethod.
type PredictServer interface {
	Predict(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// estimatorServer exposes a local Estimator over gRPC.
type estimatorServer struct {
	est Estimator
}

// ServeEstimator adapts est to PredictServer.
func ServeEstimator(est Estimator) PredictServer {
	return estimatorServer{est: est}
}

func (s estimatorServer) Predict(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	p, err := s.est.Predict(ctx, structEvent(req))
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{"prediction": float64(p), "estimator": s.est.Name()})
}

// RegisterPredictServer registers srv on s.
func RegisterPredictServer(s grpc.ServiceRegistrar, srv PredictServer) {
	s.RegisterService(&estimatorServiceDesc, srv)
}

var estimatorServiceDesc = grpc.ServiceDesc{
	ServiceName: "hft.signal.v1.Estimator",
	HandlerType: (*PredictServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Predict",
			Handler:    predictHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hft/signal/v1/estimator.proto",
}

func predictHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PredictServer).Predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PredictMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PredictServer).Predict(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
