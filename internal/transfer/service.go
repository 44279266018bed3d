package transfer

import (
	"google.golang.org/grpc"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "adeploy.DeployService"

	deployMethod   = "Deploy"
	deployFullName = "/" + ServiceName + "/" + deployMethod
)

// DeployServiceServer is implemented by the agent.
type DeployServiceServer interface {
	Deploy(DeployService_DeployServer) error
}

// DeployService_DeployServer is the server side of a Deploy stream.
type DeployService_DeployServer interface {
	SendAndClose(*DeployResponse) error
	Recv() (*DeployChunk, error)
	grpc.ServerStream
}

type deployServerStream struct {
	grpc.ServerStream
}

func (s *deployServerStream) SendAndClose(m *DeployResponse) error {
	return s.ServerStream.SendMsg(m)
}

func (s *deployServerStream) Recv() (*DeployChunk, error) {
	m := new(DeployChunk)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func deployHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(DeployServiceServer).Deploy(&deployServerStream{stream})
}

// ServiceDesc describes the deploy service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DeployServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    deployMethod,
			Handler:       deployHandler,
			ClientStreams: true,
		},
	},
	Metadata: "adeploy/deploy.proto",
}

// RegisterDeployServiceServer registers srv with s.
func RegisterDeployServiceServer(s grpc.ServiceRegistrar, srv DeployServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}
