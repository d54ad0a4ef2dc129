package peer

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"

	"snowbird/pkg/dht"
	"snowbird/pkg/types"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName = "snowbird.peer.Exchange"

	methodFetchBlob   = "/" + serviceName + "/FetchBlob"
	methodHasBlob     = "/" + serviceName + "/HasBlob"
	methodGetRecord   = "/" + serviceName + "/GetRecord"
	methodListRecords = "/" + serviceName + "/ListRecords"
	methodPutRecord   = "/" + serviceName + "/PutRecord"
)

// ExchangeServer is the service peers call on each other. Messages are
// protobuf well-known types: blob hashes and contents travel as BytesValue,
// records as Struct.
type ExchangeServer interface {
	FetchBlob(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	HasBlob(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BoolValue, error)
	GetRecord(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRecords(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	PutRecord(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
}

var exchangeServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ExchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "FetchBlob", Handler: unaryHandler(methodFetchBlob, ExchangeServer.FetchBlob)},
		{MethodName: "HasBlob", Handler: unaryHandler(methodHasBlob, ExchangeServer.HasBlob)},
		{MethodName: "GetRecord", Handler: unaryHandler(methodGetRecord, ExchangeServer.GetRecord)},
		{MethodName: "ListRecords", Handler: unaryHandler(methodListRecords, ExchangeServer.ListRecords)},
		{MethodName: "PutRecord", Handler: unaryHandler(methodPutRecord, ExchangeServer.PutRecord)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "snowbird/peer/exchange.proto",
}

// RegisterExchangeServer attaches srv to a gRPC server.
func RegisterExchangeServer(s grpc.ServiceRegistrar, srv ExchangeServer) {
	s.RegisterService(&exchangeServiceDesc, srv)
}

func unaryHandler[Req any, Resp proto.Message, PReq interface {
	*Req
	proto.Message
}](fullMethod string, call func(ExchangeServer, context.Context, PReq) (Resp, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ExchangeServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(ExchangeServer), ctx, req.(PReq))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func encodeRecord(rec dht.Record) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"key":       structpb.NewStringValue(rec.Key.String()),
		"subkey":    structpb.NewStringValue(rec.Subkey),
		"value":     structpb.NewStringValue(base64.StdEncoding.EncodeToString(rec.Value)),
		"seq":       structpb.NewStringValue(strconv.FormatUint(rec.Seq, 10)),
		"signature": structpb.NewStringValue(base64.StdEncoding.EncodeToString(rec.Signature)),
	}}
}

func decodeRecord(st *structpb.Struct) (dht.Record, error) {
	var rec dht.Record
	fields := st.GetFields()

	key, err := types.ParseKey(fields["key"].GetStringValue())
	if err != nil {
		return rec, err
	}
	value, err := base64.StdEncoding.DecodeString(fields["value"].GetStringValue())
	if err != nil {
		return rec, fmt.Errorf("invalid record value: %w", err)
	}
	seq, err := strconv.ParseUint(fields["seq"].GetStringValue(), 10, 64)
	if err != nil {
		return rec, fmt.Errorf("invalid record seq: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(fields["signature"].GetStringValue())
	if err != nil {
		return rec, fmt.Errorf("invalid record signature: %w", err)
	}

	rec.Key = key
	rec.Subkey = fields["subkey"].GetStringValue()
	rec.Value = value
	rec.Seq = seq
	rec.Signature = sig
	return rec, nil
}

func recordQuery(key types.Key, field, value string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"key": structpb.NewStringValue(key.String()),
		field: structpb.NewStringValue(value),
	}}
}
