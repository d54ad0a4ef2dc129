package peer

import (
	"context"
	"errors"
	"fmt"
	"net"

	"snowbird/pkg/apperr"
	"snowbird/pkg/config"
	"snowbird/pkg/dht"
	"snowbird/pkg/storage"
	"snowbird/pkg/types"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// BlobSource serves blobs to peers.
type BlobSource interface {
	Get(h types.Hash) ([]byte, error)
	Has(h types.Hash) bool
}

// RecordSource serves and accepts DHT records.
type RecordSource interface {
	Local(ctx context.Context, key types.Key, subkey string) (dht.Record, error)
	LocalList(ctx context.Context, key types.Key, prefix string) ([]dht.Record, error)
	Accept(ctx context.Context, rec dht.Record) (bool, error)
}

// Server answers blob and record requests from other peers.
type Server struct {
	blobs   BlobSource
	records RecordSource
	logger  *zap.Logger

	server   *grpc.Server
	listener net.Listener
}

func NewServer(blobs BlobSource, records RecordSource, tlsCfg config.TLSConfig, maxMessageSize int, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	serverOpts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	}
	creds, err := ServerCredentials(tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build server credentials: %w", err)
	}
	if creds != nil {
		serverOpts = append(serverOpts, grpc.Creds(creds))
		logger.Info("TLS enabled for peer exchange")
	}

	s := &Server{
		blobs:   blobs,
		records: records,
		logger:  logger,
		server:  grpc.NewServer(serverOpts...),
	}
	RegisterExchangeServer(s.server, s)
	return s, nil
}

// Start binds addr and serves in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.logger.Info("Peer exchange listening", zap.String("address", listener.Addr().String()))

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("Peer exchange stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound address, useful when started on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop() {
	s.server.GracefulStop()
}

func (s *Server) FetchBlob(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	h, err := hashFromBytes(req.GetValue())
	if err != nil {
		return nil, err
	}
	data, err := s.blobs.Get(h)
	if errors.Is(err, storage.ErrBlobNotFound) {
		return nil, status.Errorf(codes.NotFound, "blob %s not held", h)
	}
	if err != nil {
		s.logger.Error("Failed to read blob for peer", zap.String("hash", h.String()), zap.Error(err))
		return nil, status.Error(codes.Internal, "failed to read blob")
	}
	return wrapperspb.Bytes(data), nil
}

func (s *Server) HasBlob(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error) {
	h, err := hashFromBytes(req.GetValue())
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bool(s.blobs.Has(h)), nil
}

func (s *Server) GetRecord(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, err := types.ParseKey(req.GetFields()["key"].GetStringValue())
	if err != nil {
		return nil, apperr.GRPCStatus(err)
	}
	subkey := req.GetFields()["subkey"].GetStringValue()

	rec, err := s.records.Local(ctx, key, subkey)
	if errors.Is(err, dht.ErrRecordNotFound) {
		return nil, status.Errorf(codes.NotFound, "no record %s/%s", key, subkey)
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return encodeRecord(rec), nil
}

func (s *Server) ListRecords(ctx context.Context, req *structpb.Struct) (*structpb.ListValue, error) {
	key, err := types.ParseKey(req.GetFields()["key"].GetStringValue())
	if err != nil {
		return nil, apperr.GRPCStatus(err)
	}

	records, err := s.records.LocalList(ctx, key, req.GetFields()["prefix"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(records))}
	for _, rec := range records {
		list.Values = append(list.Values, structpb.NewStructValue(encodeRecord(rec)))
	}
	return list, nil
}

func (s *Server) PutRecord(ctx context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	rec, err := decodeRecord(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	changed, err := s.records.Accept(ctx, rec)
	if errors.Is(err, dht.ErrInvalidSignature) {
		return nil, status.Error(codes.PermissionDenied, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bool(changed), nil
}

func hashFromBytes(b []byte) (types.Hash, error) {
	var h types.Hash
	if len(b) != len(h) {
		return h, status.Errorf(codes.InvalidArgument, "invalid hash length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}
