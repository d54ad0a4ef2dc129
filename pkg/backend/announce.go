package backend

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// announcement is the value of a repo/<key> record under a group key. Peer
// is the exchange address of the node holding the repo's signing key, so
// members can fetch from whoever writes the repo.
type announcement struct {
	Name string
	Peer string
}

func (a announcement) encode() ([]byte, error) {
	s := &structpb.Struct{Fields: map[string]*structpb.Value{
		"name": structpb.NewStringValue(a.Name),
	}}
	if a.Peer != "" {
		s.Fields["peer"] = structpb.NewStringValue(a.Peer)
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(s)
}

func decodeAnnouncement(value []byte) (announcement, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(value, &s); err != nil {
		return announcement{}, fmt.Errorf("failed to decode repo announcement: %w", err)
	}
	return announcement{
		Name: s.GetFields()["name"].GetStringValue(),
		Peer: s.GetFields()["peer"].GetStringValue(),
	}, nil
}
