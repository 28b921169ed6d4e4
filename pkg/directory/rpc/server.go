package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/jacquard/jacquard/pkg/constraints"
	"github.com/jacquard/jacquard/pkg/directory"
	"github.com/jacquard/jacquard/pkg/log"
)

var logger = log.WithComponent("directory/rpc")

const serviceName = "jacquard.directory.Directory"

// Server exposes a directory.Directory over gRPC, for callers running the
// directory engine out-of-process.
type Server struct {
	dir directory.Directory
}

// NewServer wraps dir for RPC serving.
func NewServer(dir directory.Directory) *Server {
	return &Server{dir: dir}
}

func toWire(u constraints.User) UserWire {
	tags := make([]string, 0, len(u.Tags))
	for tag := range u.Tags {
		tags = append(tags, tag)
	}
	return UserWire{ID: u.ID, JoinDate: u.JoinDate, Tags: tags}
}

func fromWire(w UserWire) constraints.User {
	tags := make(map[string]struct{}, len(w.Tags))
	for _, t := range w.Tags {
		tags[t] = struct{}{}
	}
	return constraints.User{ID: w.ID, JoinDate: w.JoinDate, Tags: tags}
}

func (s *Server) lookup(ctx context.Context, req *lookupRequest) (*lookupResponse, error) {
	user, err := s.dir.Lookup(ctx, req.UserID)
	if err != nil {
		logger.Error().Err(err).Str("user_id", req.UserID).Msg("directory lookup failed")
		return nil, err
	}
	if user == nil {
		return &lookupResponse{Found: false}, nil
	}
	wire := toWire(*user)
	return &lookupResponse{Found: true, User: &wire}, nil
}

func (s *Server) allUsers(ctx context.Context, req *allUsersRequest) (*allUsersResponse, error) {
	users, err := s.dir.AllUsers(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("directory all_users failed")
		return nil, err
	}
	out := make([]UserWire, len(users))
	for i, u := range users {
		out[i] = toWire(u)
	}
	return &allUsersResponse{Users: out}, nil
}

func lookupHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(lookupRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).lookup(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Lookup"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).lookup(ctx, req.(*lookupRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func allUsersHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(allUsersRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).allUsers(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/AllUsers"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).allUsers(ctx, req.(*allUsersRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// serviceDesc is the hand-written stand-in for what protoc-gen-go-grpc would
// otherwise generate from a .proto file.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Lookup", Handler: lookupHandler},
		{MethodName: "AllUsers", Handler: allUsersHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "jacquard/directory.proto",
}

// Register attaches s to grpcServer.
func Register(grpcServer *grpc.Server, s *Server) {
	grpcServer.RegisterService(&serviceDesc, s)
}
