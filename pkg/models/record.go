package models

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// Well-known record field names shared by the index, raw and report collections.
const (
	FieldCreatedAt    = "created_at"
	FieldTerminatedAt = "terminated_at"
	FieldNanos        = "nanos"
	FieldSrcAddr      = "src_addr"
	FieldSrcPort      = "src_port"
	FieldSrcHost      = "src_host"
	FieldDstAddr      = "dst_addr"
	FieldDstPort      = "dst_port"
	FieldDstHost      = "dst_host"
	FieldCallID       = "call_id"
	FieldXCallID      = "x_call_id"
	FieldCaller       = "caller"
	FieldCallee       = "callee"
	FieldState        = "state"
	FieldMethod       = "method"
	FieldDuration     = "duration"
	FieldErrorCode    = "error_code"
	FieldRawData      = "raw_data"
	FieldParsed       = "parsed"
	FieldCodecName    = "codec_name"
)

// Record is a read-only view over one stored protocol document. Documents are
// produced upstream with loosely typed fields, so all accessors normalize the
// concrete BSON number types.
type Record struct {
	Fields bson.M
}

// NewRecord wraps a raw document.
func NewRecord(fields bson.M) Record {
	if fields == nil {
		fields = bson.M{}
	}
	return Record{Fields: fields}
}

// Has reports whether the field is present and non-nil.
func (r Record) Has(key string) bool {
	v, ok := r.Fields[key]
	return ok && v != nil
}

// GetString returns the field as a string, or "" when absent.
func (r Record) GetString(key string) string {
	switch v := r.Fields[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// GetInt64 returns the field as int64, normalizing BSON number types.
func (r Record) GetInt64(key string) int64 {
	switch v := r.Fields[key].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// GetFloat64 returns the field as float64, normalizing BSON number types.
func (r Record) GetFloat64(key string) float64 {
	switch v := r.Fields[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}

// GetBool returns the field as bool; absent fields report the given default.
func (r Record) GetBool(key string, def bool) bool {
	if v, ok := r.Fields[key].(bool); ok {
		return v
	}
	return def
}

// GetSlice returns the field as a generic slice, or nil.
func (r Record) GetSlice(key string) []interface{} {
	switch v := r.Fields[key].(type) {
	case bson.A:
		return v
	case []interface{}:
		return v
	default:
		return nil
	}
}

func (r Record) CreatedAt() int64    { return r.GetInt64(FieldCreatedAt) }
func (r Record) TerminatedAt() int64 { return r.GetInt64(FieldTerminatedAt) }
func (r Record) Nanos() int64        { return r.GetInt64(FieldNanos) }
func (r Record) SrcAddr() string     { return r.GetString(FieldSrcAddr) }
func (r Record) SrcPort() int        { return int(r.GetInt64(FieldSrcPort)) }
func (r Record) SrcHost() string     { return r.GetString(FieldSrcHost) }
func (r Record) DstAddr() string     { return r.GetString(FieldDstAddr) }
func (r Record) DstPort() int        { return int(r.GetInt64(FieldDstPort)) }
func (r Record) DstHost() string     { return r.GetString(FieldDstHost) }
func (r Record) CallID() string      { return r.GetString(FieldCallID) }
func (r Record) XCallID() string     { return r.GetString(FieldXCallID) }
func (r Record) Caller() string      { return r.GetString(FieldCaller) }
func (r Record) Callee() string      { return r.GetString(FieldCallee) }
func (r Record) State() string       { return r.GetString(FieldState) }
func (r Record) RawData() string     { return r.GetString(FieldRawData) }

// Terminated reports whether the record carries an explicit termination time.
func (r Record) Terminated() bool { return r.Has(FieldTerminatedAt) }

// Identity is a stable per-record key used for set semantics during
// correlation: two index entries for the same leg share call id and creation
// time.
func (r Record) Identity() string {
	return fmt.Sprintf("%s:%d", r.CallID(), r.CreatedAt())
}

// SrcEndpoint returns "addr:port" for the record source.
func (r Record) SrcEndpoint() string {
	return fmt.Sprintf("%s:%d", r.SrcAddr(), r.SrcPort())
}

// DstEndpoint returns "addr:port" for the record destination.
func (r Record) DstEndpoint() string {
	return fmt.Sprintf("%s:%d", r.DstAddr(), r.DstPort())
}

// PartyKey is the unordered endpoint-pair key: identical for both directions
// of the same exchange.
func (r Record) PartyKey() string {
	src, dst := r.SrcEndpoint(), r.DstEndpoint()
	if src <= dst {
		return src + "|" + dst
	}
	return dst + "|" + src
}
