// Package rpc is the gRPC control surface of the simulator daemon.
package rpc

import (
	context "context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var ErrUnknownNode = errors.New("unknown node")

type State struct {
	Tick    uint64
	Mode    string
	State   string
	Sending bool
	Routers int
	Hosts   int
}

type Route struct {
	Dest     string
	NextHop  string
	Metric   int
	Protocol string
	Port     string
	ASPath   []int
}

type RouterUsage struct {
	Router string
	Count  uint64
}

type Metrics struct {
	Sent     uint64
	Received uint64
	Dropped  uint64
	AvgHops  float64
	MinHops  int
	MaxHops  int
	AvgWait  float64
	MaxWait  int
	Usage    []RouterUsage
}

type APIService interface {
	GetVersion(ctx context.Context) (string, error)
	Shutdown(ctx context.Context) error

	GetState(ctx context.Context) (State, error)
	GetRoutes(ctx context.Context, node uint32) ([]Route, error)
	GetMetrics(ctx context.Context) (Metrics, error)
	StartPacketSending(ctx context.Context) error
	StopPacketSending(ctx context.Context) error
}

type Server struct {
	UnimplementedAPIServer
	apiService APIService
}

func NewAPIServer(apiService APIService) *Server {
	return &Server{
		apiService: apiService,
	}
}

func (s *Server) GetVersion(ctx context.Context, req *emptypb.Empty) (*wrapperspb.StringValue, error) {
	version, err := s.apiService.GetVersion(ctx)
	if err != nil {
		return nil, err
	}

	return wrapperspb.String(version), nil
}

func (s *Server) Shutdown(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error) {
	err := s.apiService.Shutdown(ctx)
	if err != nil {
		return nil, err
	}

	return &emptypb.Empty{}, nil
}

func (s *Server) GetState(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.apiService.GetState(ctx)
	if err != nil {
		return nil, err
	}

	return structpb.NewStruct(map[string]any{
		"tick":    float64(st.Tick),
		"mode":    st.Mode,
		"state":   st.State,
		"sending": st.Sending,
		"routers": st.Routers,
		"hosts":   st.Hosts,
	})
}

func (s *Server) GetRoutes(ctx context.Context, req *wrapperspb.UInt32Value) (*structpb.Struct, error) {
	routes, err := s.apiService.GetRoutes(ctx, req.GetValue())
	if errors.Is(err, ErrUnknownNode) {
		return nil, status.Error(codes.NotFound, err.Error())
	} else if err != nil {
		return nil, err
	}

	list := make([]any, len(routes))
	for i, r := range routes {
		path := make([]any, len(r.ASPath))
		for j, as := range r.ASPath {
			path[j] = as
		}
		list[i] = map[string]any{
			"dest":     r.Dest,
			"next_hop": r.NextHop,
			"metric":   r.Metric,
			"protocol": r.Protocol,
			"port":     r.Port,
			"as_path":  path,
		}
	}

	return structpb.NewStruct(map[string]any{"routes": list})
}

func (s *Server) GetMetrics(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	m, err := s.apiService.GetMetrics(ctx)
	if err != nil {
		return nil, err
	}

	usage := make([]any, len(m.Usage))
	for i, u := range m.Usage {
		usage[i] = map[string]any{"router": u.Router, "count": float64(u.Count)}
	}

	return structpb.NewStruct(map[string]any{
		"sent":     float64(m.Sent),
		"received": float64(m.Received),
		"dropped":  float64(m.Dropped),
		"avg_hops": m.AvgHops,
		"min_hops": m.MinHops,
		"max_hops": m.MaxHops,
		"avg_wait": m.AvgWait,
		"max_wait": m.MaxWait,
		"usage":    usage,
	})
}

func (s *Server) StartPacketSending(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.apiService.StartPacketSending(ctx); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) StopPacketSending(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.apiService.StopPacketSending(ctx); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func DecodeState(s *structpb.Struct) State {
	f := s.GetFields()
	return State{
		Tick:    uint64(f["tick"].GetNumberValue()),
		Mode:    f["mode"].GetStringValue(),
		State:   f["state"].GetStringValue(),
		Sending: f["sending"].GetBoolValue(),
		Routers: int(f["routers"].GetNumberValue()),
		Hosts:   int(f["hosts"].GetNumberValue()),
	}
}

func DecodeRoutes(s *structpb.Struct) ([]Route, error) {
	list := s.GetFields()["routes"].GetListValue()
	if list == nil {
		return nil, fmt.Errorf("rpc: response has no routes")
	}

	routes := make([]Route, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		f := v.GetStructValue().GetFields()

		var path []int
		for _, as := range f["as_path"].GetListValue().GetValues() {
			path = append(path, int(as.GetNumberValue()))
		}

		routes = append(routes, Route{
			Dest:     f["dest"].GetStringValue(),
			NextHop:  f["next_hop"].GetStringValue(),
			Metric:   int(f["metric"].GetNumberValue()),
			Protocol: f["protocol"].GetStringValue(),
			Port:     f["port"].GetStringValue(),
			ASPath:   path,
		})
	}

	return routes, nil
}

func DecodeMetrics(s *structpb.Struct) Metrics {
	f := s.GetFields()

	m := Metrics{
		Sent:     uint64(f["sent"].GetNumberValue()),
		Received: uint64(f["received"].GetNumberValue()),
		Dropped:  uint64(f["dropped"].GetNumberValue()),
		AvgHops:  f["avg_hops"].GetNumberValue(),
		MinHops:  int(f["min_hops"].GetNumberValue()),
		MaxHops:  int(f["max_hops"].GetNumberValue()),
		AvgWait:  f["avg_wait"].GetNumberValue(),
		MaxWait:  int(f["max_wait"].GetNumberValue()),
	}

	for _, v := range f["usage"].GetListValue().GetValues() {
		u := v.GetStructValue().GetFields()
		m.Usage = append(m.Usage, RouterUsage{
			Router: u["router"].GetStringValue(),
			Count:  uint64(u["count"].GetNumberValue()),
		})
	}

	return m
}
