package model

import (
	"encoding/json"
	"strconv"
)

// Record is the generic shape every collection entry takes inside the sync
// engine and the local mirror. Concrete entities (Department, User, ...)
// convert to and from Records at the coordinator boundary.
//
// Two fields are special:
//
//   - "id" is the local sequential identifier, assigned by the engine when a
//     record is pulled from remote for the first time.
//   - "remoteId" is the identifier assigned by the remote backend. An empty
//     or missing remoteId marks a record that has never been pushed.
type Record map[string]any

// LocalID returns the record's local id, tolerating the numeric types JSON
// decoding produces (float64, json.Number) as well as native ints.
func (r Record) LocalID() int64 {
	return asInt64(r["id"])
}

// SetLocalID stores id under the "id" key.
func (r Record) SetLocalID(id int64) {
	r["id"] = id
}

// RemoteID returns the remote identifier, or "" if the record has never been
// synced upward. Numeric remote ids are normalised to their decimal string.
func (r Record) RemoteID() string {
	return asString(r["remoteId"])
}

// SetRemoteID stores the remote identifier on the record.
func (r Record) SetRemoteID(id string) {
	r["remoteId"] = id
}

// String returns the named field as a string, or "" if absent.
func (r Record) String(key string) string {
	return asString(r[key])
}

// Int returns the named field as an int64, or 0 if absent or non-numeric.
func (r Record) Int(key string) int64 {
	return asInt64(r[key])
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	cp := make(Record, len(r))
	for k, v := range r {
		cp[k] = v
	}
	return cp
}

// MaxLocalID returns the highest local id in records, or 0 when empty.
// Fresh local ids are assigned as MaxLocalID+1.
func MaxLocalID(records []Record) int64 {
	var max int64
	for _, r := range records {
		if id := r.LocalID(); id > max {
			max = id
		}
	}
	return max
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		// Remote ids from JSON arrive as float64 when the backend uses
		// numeric keys. Integral values only.
		return strconv.FormatInt(int64(s), 10)
	case int64:
		return strconv.FormatInt(s, 10)
	case int:
		return strconv.Itoa(s)
	default:
		return ""
	}
}
