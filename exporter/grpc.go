package exporter

import (
	"context"
	"encoding/json"
	"errors"
	"net"

	"github.com/gotoolkits/lightrace/event"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// CodecName is the content subtype of the tracer service. Messages are the
// JSON forms of Request and event.EventPayload.
const CodecName = "json"

const streamEventsMethod = "/lightrace.Tracer/StreamEvents"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// TracerServer is the server API of the tracer service.
type TracerServer interface {
	StreamEvents(*Request, EventStream) error
}

// ServiceDesc describes the tracer service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "lightrace.Tracer",
	HandlerType: (*TracerServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			Handler:       streamEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "lightrace",
}

type serverStream struct {
	grpc.ServerStream
}

func (s *serverStream) Send(p *event.EventPayload) error {
	return s.ServerStream.SendMsg(p)
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	req := new(Request)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	err := srv.(TracerServer).StreamEvents(req, &serverStream{stream})
	if errors.Is(err, event.ErrUnknownKind) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return err
}

// Serve runs the tracer service for exp on addr until ctx is done.
func Serve(ctx context.Context, addr string, exp *Exporter) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return serve(ctx, ln, exp)
}

func serve(ctx context.Context, ln net.Listener, exp *Exporter) error {
	srv := grpc.NewServer()
	srv.RegisterService(&ServiceDesc, exp)
	go func() {
		<-ctx.Done()
		srv.Stop()
	}()

	log.WithField("addr", ln.Addr().String()).Info("Starting gRPC exporter")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Subscription is the client side of a StreamEvents call.
type Subscription struct {
	stream grpc.ClientStream
}

// Subscribe opens a StreamEvents call on conn.
func Subscribe(ctx context.Context, conn grpc.ClientConnInterface, req *Request) (*Subscription, error) {
	stream, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], streamEventsMethod,
		grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &Subscription{stream: stream}, nil
}

// Recv blocks for the next event.
func (s *Subscription) Recv() (*event.EventPayload, error) {
	p := new(event.EventPayload)
	if err := s.stream.RecvMsg(p); err != nil {
		return nil, err
	}
	return p, nil
}
