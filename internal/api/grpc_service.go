package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"procodus.dev/beacon-station/internal/query"
	"procodus.dev/beacon-station/pkg/metrics"
)

// GRPCServiceName is the full name of the station's gRPC service. Requests and
// responses are protobuf well-known types: a selection is a Struct with the
// optional fields mode, sender, time and direction, and a view is the Struct
// form of ViewJSON.
const GRPCServiceName = "beaconstation.v1.BeaconStation"

// BeaconStationServer is the server side of GRPCServiceName.
type BeaconStationServer interface {
	Query(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ClearAll(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error)
	SetPaused(ctx context.Context, req *wrapperspb.BoolValue) (*emptypb.Empty, error)
	Stats(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	Watch(req *structpb.Struct, stream grpc.ServerStream) error
}

// BeaconStationServiceDesc describes GRPCServiceName for grpc.Server.RegisterService.
var BeaconStationServiceDesc = grpc.ServiceDesc{
	ServiceName: GRPCServiceName,
	HandlerType: (*BeaconStationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Query", Handler: unaryHandler("Query", BeaconStationServer.Query)},
		{MethodName: "ClearAll", Handler: unaryHandler("ClearAll", BeaconStationServer.ClearAll)},
		{MethodName: "SetPaused", Handler: unaryHandler("SetPaused", BeaconStationServer.SetPaused)},
		{MethodName: "Stats", Handler: unaryHandler("Stats", BeaconStationServer.Stats)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "beaconstation/v1/station.proto",
}

// RegisterBeaconStationServer registers srv on s.
func RegisterBeaconStationServer(s grpc.ServiceRegistrar, srv BeaconStationServer) {
	s.RegisterService(&BeaconStationServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + GRPCServiceName + "/" + name
}

// unaryHandler adapts a typed method to grpc.MethodHandler.
func unaryHandler[Req, Resp any](name string, call func(BeaconStationServer, context.Context, *Req) (Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BeaconStationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BeaconStationServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BeaconStationServer).Watch(in, stream)
}

// GRPCService implements BeaconStationServer on top of a Station.
type GRPCService struct {
	logger  *slog.Logger
	station Station
	hub     *hub
	metrics *metrics.APIMetrics
}

// Query renders the store. Fields present in the request override the
// station's current mode and filters, like the query parameters of
// GET /api/beacons.
func (g *GRPCService) Query(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	view, err := g.render(req)
	if err != nil {
		return nil, err
	}
	if g.metrics != nil {
		g.metrics.RenderedPoints.Observe(float64(len(view.Points)))
	}
	return viewStruct(view)
}

// ClearAll empties the live table and the history log.
func (g *GRPCService) ClearAll(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := g.station.ClearAll(ctx); err != nil {
		g.logger.Error("failed to clear beacons", "error", err)
		return nil, status.Errorf(codes.Internal, "failed to clear beacons: %v", err)
	}
	g.logger.Info("beacons cleared over gRPC")
	return &emptypb.Empty{}, nil
}

// SetPaused pauses or resumes change notifications.
func (g *GRPCService) SetPaused(_ context.Context, req *wrapperspb.BoolValue) (*emptypb.Empty, error) {
	g.station.SetPaused(req.GetValue())
	return &emptypb.Empty{}, nil
}

// Stats returns the ingestion counters and the pause state.
func (g *GRPCService) Stats(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(StatsJSON{
		Ingest: g.station.Stats(),
		Paused: g.station.Paused(),
	})
}

// Watch sends the requested view once and again after every change
// notification, until the client goes away or the server stops.
func (g *GRPCService) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	if _, err := overridesFromStruct(req); err != nil {
		return err
	}

	ch := g.hub.subscribe()
	defer g.hub.unsubscribe(ch)

	if g.metrics != nil {
		g.metrics.EventStreams.Inc()
		defer g.metrics.EventStreams.Dec()
	}

	send := func() error {
		view, err := g.render(req)
		if err != nil {
			return err
		}
		out, err := viewStruct(view)
		if err != nil {
			return err
		}
		return stream.SendMsg(out)
	}

	if err := send(); err != nil {
		return err
	}

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case <-g.hub.done:
			return nil
		case <-ch:
			if err := send(); err != nil {
				g.logger.Debug("watch stream closed", "error", err)
				return err
			}
		}
	}
}

func (g *GRPCService) render(req *structpb.Struct) (query.View, error) {
	overrides, err := overridesFromStruct(req)
	if err != nil {
		return query.View{}, err
	}
	sel, err := overrides.apply(g.station.View())
	if err != nil {
		return query.View{}, status.Error(codes.InvalidArgument, err.Error())
	}
	return g.station.Render(sel.Mode, sel.Filters), nil
}

// overridesFromStruct reads a selection request. Numbers are accepted for
// sender and null reads as the empty string.
func overridesFromStruct(req *structpb.Struct) (selectionOverrides, error) {
	var o selectionOverrides
	for key, value := range req.GetFields() {
		text, err := fieldText(value)
		if err != nil {
			return o, status.Errorf(codes.InvalidArgument, "field %q: %v", key, err)
		}
		switch key {
		case "mode":
			o.Mode = &text
		case "sender":
			o.Sender = &text
		case "time":
			o.Time = &text
		case "direction":
			o.Direction = text
		default:
			return o, status.Errorf(codes.InvalidArgument, "unknown field %q", key)
		}
	}
	return o, nil
}

func fieldText(v *structpb.Value) (string, error) {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return kind.StringValue, nil
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(kind.NumberValue, 'f', -1, 64), nil
	case *structpb.Value_NullValue:
		return "", nil
	default:
		return "", fmt.Errorf("want a string or a number")
	}
}

func viewStruct(v query.View) (*structpb.Struct, error) {
	return toStruct(EncodeView(v))
}

// toStruct converts a JSON-encodable body to its Struct form.
func toStruct(body any) (*structpb.Struct, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// DecodeViewStruct converts a view received over gRPC back to its JSON form.
func DecodeViewStruct(st *structpb.Struct) (ViewJSON, error) {
	var out ViewJSON
	data, err := protojson.Marshal(st)
	if err != nil {
		return out, fmt.Errorf("failed to decode view: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to decode view: %w", err)
	}
	return out, nil
}

// SelectionStruct builds a Query or Watch request from a selection body.
func SelectionStruct(in SelectionJSON) (*structpb.Struct, error) {
	fields := map[string]any{}
	if in.Mode != "" {
		fields["mode"] = in.Mode
	}
	if in.Sender != nil {
		fields["sender"] = float64(*in.Sender)
	}
	if in.Time != nil {
		fields["time"] = *in.Time
	}
	if in.Direction != "" {
		fields["direction"] = in.Direction
	}
	return structpb.NewStruct(fields)
}

// BeaconStationClient calls GRPCServiceName.
type BeaconStationClient struct {
	cc grpc.ClientConnInterface
}

// NewBeaconStationClient wraps a client connection.
func NewBeaconStationClient(cc grpc.ClientConnInterface) *BeaconStationClient {
	return &BeaconStationClient{cc: cc}
}

// Query renders the station's store.
func (c *BeaconStationClient) Query(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("Query"), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ClearAll empties the station's store.
func (c *BeaconStationClient) ClearAll(ctx context.Context, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, fullMethod("ClearAll"), &emptypb.Empty{}, new(emptypb.Empty), opts...)
}

// SetPaused pauses or resumes the station's change notifications.
func (c *BeaconStationClient) SetPaused(ctx context.Context, paused bool, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, fullMethod("SetPaused"), wrapperspb.Bool(paused), new(emptypb.Empty), opts...)
}

// Stats returns the station's counters.
func (c *BeaconStationClient) Stats(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("Stats"), &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ViewStream receives the views of a Watch call.
type ViewStream struct {
	stream grpc.ClientStream
}

// Recv blocks until the next view arrives.
func (v *ViewStream) Recv() (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := v.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch subscribes to the station's views. Cancel ctx to end the stream.
func (c *BeaconStationClient) Watch(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*ViewStream, error) {
	stream, err := c.cc.NewStream(ctx, &BeaconStationServiceDesc.Streams[0], fullMethod("Watch"), opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &ViewStream{stream: stream}, nil
}
