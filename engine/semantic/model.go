package semantic

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"

	"github.com/taskrecall/recall/engine/domain"
)

// Qdrant only accepts UUIDs or unsigned integers as point ids. Other record
// ids are mapped to a name-based UUID in this namespace.
var pointNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:taskrecall:point"))

// PointID maps a record id to a Qdrant point id. The mapping is stable so
// reindexing the same record overwrites its point.
func PointID(id string) *pb.PointId {
	if u, err := uuid.Parse(id); err == nil {
		return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: u.String()}}
	}
	if n, err := strconv.ParseUint(id, 10, 64); err == nil {
		return &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: n}}
	}
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: uuid.NewSHA1(pointNamespace, []byte(id)).String()}}
}

func pointIDString(id *pb.PointId) string {
	switch v := id.GetPointIdOptions().(type) {
	case *pb.PointId_Uuid:
		return v.Uuid
	case *pb.PointId_Num:
		return strconv.FormatUint(v.Num, 10)
	default:
		return ""
	}
}

func toPointStruct(p domain.Point) *pb.PointStruct {
	payload := make(map[string]*pb.Value, len(p.Payload)+1)
	for k, v := range p.Payload {
		payload[k] = toValue(v)
	}
	if _, ok := payload[domain.PayloadRecordID]; !ok {
		payload[domain.PayloadRecordID] = toValue(p.ID)
	}
	return &pb.PointStruct{
		Id: PointID(p.ID),
		Vectors: &pb.Vectors{
			VectorsOptions: &pb.Vectors_Vector{
				Vector: &pb.Vector{Data: p.Vector},
			},
		},
		Payload: payload,
	}
}

func toMatch(sp *pb.ScoredPoint) domain.Match {
	payload := make(map[string]any, len(sp.GetPayload()))
	for k, v := range sp.GetPayload() {
		payload[k] = fromValue(v)
	}
	id := pointIDString(sp.GetId())
	if rid, ok := payload[domain.PayloadRecordID].(string); ok && rid != "" {
		id = rid
	}
	return domain.Match{ID: id, Score: sp.GetScore(), Payload: payload}
}

func toValue(v any) *pb.Value {
	switch tv := v.(type) {
	case nil:
		return &pb.Value{Kind: &pb.Value_NullValue{NullValue: pb.NullValue_NULL_VALUE}}
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int32:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
	case uint32:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case float32:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: float64(tv)}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	case []string:
		list := make([]*pb.Value, len(tv))
		for i, s := range tv {
			list[i] = toValue(s)
		}
		return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: list}}}
	case []any:
		list := make([]*pb.Value, len(tv))
		for i, e := range tv {
			list[i] = toValue(e)
		}
		return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: list}}}
	case map[string]any:
		fields := make(map[string]*pb.Value, len(tv))
		for k, e := range tv {
			fields[k] = toValue(e)
		}
		return &pb.Value{Kind: &pb.Value_StructValue{StructValue: &pb.Struct{Fields: fields}}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
	}
}

func fromValue(v *pb.Value) any {
	switch k := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return k.StringValue
	case *pb.Value_BoolValue:
		return k.BoolValue
	case *pb.Value_IntegerValue:
		return k.IntegerValue
	case *pb.Value_DoubleValue:
		return k.DoubleValue
	case *pb.Value_ListValue:
		out := make([]any, len(k.ListValue.GetValues()))
		for i, e := range k.ListValue.GetValues() {
			out[i] = fromValue(e)
		}
		return out
	case *pb.Value_StructValue:
		out := make(map[string]any, len(k.StructValue.GetFields()))
		for name, e := range k.StructValue.GetFields() {
			out[name] = fromValue(e)
		}
		return out
	default:
		return nil
	}
}
