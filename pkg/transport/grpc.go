// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

const (
	flowServiceName = "flowkv.transport.Flow"
	openFlowMethod  = "/" + flowServiceName + "/Open"
)

// flowServer is the handler type of the flow service.
// Each Open call is one bidirectional stream carrying raw frames.
type flowServer interface {
	OpenFlow(stream grpc.ServerStream) error
}

func openFlowHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(flowServer).OpenFlow(stream)
}

var flowServiceDesc = grpc.ServiceDesc{
	ServiceName: flowServiceName,
	HandlerType: (*flowServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Open",
			Handler:       openFlowHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// frame is one message on the wire
type frame struct {
	data []byte
}

// rawCodec passes frame bytes through unchanged, so no protobuf
// schema is needed for the flow service. Other services sharing the
// server (health) still exchange protobuf messages.
type rawCodec struct{}

func (rawCodec) Name() string {
	return "flowkv-raw"
}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case *frame:
		return m.data, nil
	case proto.Message:
		return proto.Marshal(m)
	default:
		return nil, fmt.Errorf("transport: cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	switch m := v.(type) {
	case *frame:
		// grpc 可能复用底层缓冲区
		m.data = append([]byte(nil), data...)
		return nil
	case proto.Message:
		return proto.Unmarshal(data, m)
	default:
		return fmt.Errorf("transport: cannot unmarshal into %T", v)
	}
}

// msgStream is the part of grpc.ServerStream and grpc.ClientStream a flow uses
type msgStream interface {
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

// grpcFlow adapts one gRPC stream to a Flow.
// A pump goroutine owns RecvMsg so Recv can honor ctx.
type grpcFlow struct {
	id     string
	remote string
	stream msgStream

	sendMu sync.Mutex

	recvC   chan []byte
	recvErr error // written before recvC is closed

	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
}

func newGRPCFlow(stream msgStream, remote string, onClose func()) *grpcFlow {
	f := &grpcFlow{
		id:      uuid.NewString(),
		remote:  remote,
		stream:  stream,
		recvC:   make(chan []byte),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go f.pump()
	return f
}

func (f *grpcFlow) pump() {
	defer close(f.recvC)
	for {
		var fr frame
		if err := f.stream.RecvMsg(&fr); err != nil {
			f.recvErr = err
			return
		}
		select {
		case f.recvC <- fr.data:
		case <-f.done:
			f.recvErr = ErrClosed
			return
		}
	}
}

func (f *grpcFlow) ID() string {
	return f.id
}

func (f *grpcFlow) RemoteAddr() string {
	return f.remote
}

func (f *grpcFlow) Send(ctx context.Context, msg []byte) error {
	if len(msg) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg))
	}
	select {
	case <-f.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.sendMu.Lock()
	defer f.sendMu.Unlock()

	if err := f.stream.SendMsg(&frame{data: msg}); err != nil {
		return mapStreamError("send", err)
	}
	return nil
}

func (f *grpcFlow) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-f.recvC:
		if !ok {
			return nil, mapStreamError("recv", f.recvErr)
		}
		return data, nil
	case <-f.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *grpcFlow) Close() error {
	f.closeOnce.Do(func() {
		close(f.done)
		if f.onClose != nil {
			f.onClose()
		}
	})
	return nil
}

// mapStreamError 将流结束类错误统一为 ErrClosed，其余包装后返回
func mapStreamError(op string, err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, ErrClosed) {
		return ErrClosed
	}
	switch status.Code(err) {
	case codes.Canceled, codes.Unavailable:
		return fmt.Errorf("%w: %s: %v", ErrClosed, op, err)
	}
	return fmt.Errorf("transport: %s: %w", op, err)
}

// GRPCOption configures the gRPC listener
type GRPCOption func(*grpcOptions)

type grpcOptions struct {
	logger        *zap.Logger
	serverOptions []grpc.ServerOption
	services      []func(grpc.ServiceRegistrar)
}

// WithServices registers extra gRPC services (e.g. health) next to the flow service
func WithServices(register ...func(grpc.ServiceRegistrar)) GRPCOption {
	return func(o *grpcOptions) {
		o.services = append(o.services, register...)
	}
}

// WithGRPCLogger sets the listener logger
func WithGRPCLogger(logger *zap.Logger) GRPCOption {
	return func(o *grpcOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithServerOptions appends extra gRPC server options
func WithServerOptions(opts ...grpc.ServerOption) GRPCOption {
	return func(o *grpcOptions) {
		o.serverOptions = append(o.serverOptions, opts...)
	}
}

// GRPCListener serves the flow service and hands each stream to Accept
type GRPCListener struct {
	srv    *grpc.Server
	lis    net.Listener
	logger *zap.Logger

	acceptC   chan Flow
	closed    chan struct{}
	closeOnce sync.Once

	serveDone chan struct{}
	serveErr  error // written before serveDone is closed
}

// ListenGRPC listens on a TCP address and serves flows on it
func ListenGRPC(addr string, opts ...GRPCOption) (*GRPCListener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return ServeGRPC(lis, opts...), nil
}

// ServeGRPC serves flows on an existing net.Listener
func ServeGRPC(lis net.Listener, opts ...GRPCOption) *GRPCListener {
	o := &grpcOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}

	serverOpts := []grpc.ServerOption{
		grpc.ForceServerCodec(rawCodec{}),
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	serverOpts = append(serverOpts, o.serverOptions...)

	l := &GRPCListener{
		srv:       grpc.NewServer(serverOpts...),
		lis:       lis,
		logger:    o.logger,
		acceptC:   make(chan Flow),
		closed:    make(chan struct{}),
		serveDone: make(chan struct{}),
	}
	l.srv.RegisterService(&flowServiceDesc, l)
	for _, register := range o.services {
		register(l.srv)
	}

	go func() {
		defer close(l.serveDone)
		if err := l.srv.Serve(lis); err != nil {
			l.serveErr = err
			l.logger.Error("grpc serve failed", zap.Error(err))
		}
	}()

	l.logger.Info("grpc flow listener started", zap.String("address", lis.Addr().String()))
	return l
}

// OpenFlow implements the flow service. It returns when the accepted
// flow is closed or the client goes away.
func (l *GRPCListener) OpenFlow(stream grpc.ServerStream) error {
	ctx := stream.Context()
	remote := ""
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		remote = p.Addr.String()
	}

	f := newGRPCFlow(stream, remote, nil)
	defer f.Close()

	select {
	case l.acceptC <- f:
	case <-l.closed:
		return status.Error(codes.Unavailable, "listener closed")
	case <-ctx.Done():
		return status.FromContextError(ctx.Err()).Err()
	}

	select {
	case <-f.done:
	case <-ctx.Done():
	}
	return nil
}

func (l *GRPCListener) Accept(ctx context.Context) (Flow, error) {
	select {
	case f := <-l.acceptC:
		return f, nil
	case <-l.closed:
		return nil, ErrClosed
	case <-l.serveDone:
		if l.serveErr != nil {
			return nil, fmt.Errorf("transport: serve: %w", l.serveErr)
		}
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *GRPCListener) Addr() string {
	return l.lis.Addr().String()
}

// Close stops the gRPC server, ending every open flow
func (l *GRPCListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.srv.Stop()
		l.logger.Info("grpc flow listener stopped", zap.String("address", l.Addr()))
	})
	return nil
}

// DialGRPC opens one flow to a GRPCListener at addr.
// ctx bounds connection setup only; the flow lives until Close.
func DialGRPC(ctx context.Context, addr string, opts ...grpc.DialOption) (Flow, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(rawCodec{}),
			grpc.MaxCallRecvMsgSize(MaxMessageSize),
			grpc.MaxCallSendMsgSize(MaxMessageSize),
		),
	}
	dialOpts = append(dialOpts, opts...)

	cc, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	stream, err := cc.NewStream(streamCtx, &flowServiceDesc.Streams[0], openFlowMethod)
	if !stop() && err == nil {
		// ctx 在建流期间结束，流已随 streamCtx 取消
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		cc.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("transport: open flow %s: %w", addr, err)
	}

	f := newGRPCFlow(stream, addr, func() {
		stream.CloseSend()
		cancel()
		cc.Close()
	})
	return f, nil
}

// GRPCDialer returns a DialFunc that dials with the given options
func GRPCDialer(opts ...grpc.DialOption) DialFunc {
	return func(ctx context.Context, addr string) (Flow, error) {
		return DialGRPC(ctx, addr, opts...)
	}
}
