package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	GenesisHash = "GENESIS"

	TypeInvestment   = "INVESTMENT"
	TypeDistribution = "DISTRIBUTION"
)

var headerKeys = map[string]bool{
	"txId":           true,
	"timestamp":      true,
	"type":           true,
	"previousHash":   true,
	"hash":           true,
	"idempotencyKey": true,
}

// Entry is one immutable ledger record. On the wire it is a single flat JSON object:
// the header keys plus every domain field at the top level.
type Entry struct {
	TxID           string
	Timestamp      time.Time
	Type           string
	PreviousHash   string
	Hash           string
	IdempotencyKey string
	Fields         map[string]any
}

func NewEntry(entryType string, fields map[string]any) Entry {
	return Entry{Type: entryType, Fields: fields}
}

func (e Entry) WithIdempotencyKey(key string) Entry {
	e.IdempotencyKey = key
	return e
}

func (e Entry) Get(key string) any {
	if e.Fields == nil {
		return nil
	}
	return e.Fields[key]
}

func (e Entry) GetString(key string) string {
	switch v := e.Get(key).(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (e Entry) GetFloat(key string) float64 {
	switch v := e.Get(key).(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}

func (e Entry) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+len(headerKeys))
	for k, v := range e.Fields {
		if headerKeys[k] {
			continue
		}
		out[k] = v
	}

	out["txId"] = e.TxID
	if !e.Timestamp.IsZero() {
		out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if e.Type != "" {
		out["type"] = e.Type
	}
	if e.PreviousHash != "" {
		out["previousHash"] = e.PreviousHash
	}
	if e.Hash != "" {
		out["hash"] = e.Hash
	}
	if e.IdempotencyKey != "" {
		out["idempotencyKey"] = e.IdempotencyKey
	}

	return json.Marshal(out)
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*e = Entry{}
	for k, v := range raw {
		s, _ := v.(string)
		switch k {
		case "txId":
			e.TxID = s
		case "timestamp":
			if s == "" {
				continue
			}
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return fmt.Errorf("ledger entry timestamp: %w", err)
			}
			e.Timestamp = ts.UTC()
		case "type":
			e.Type = s
		case "previousHash":
			e.PreviousHash = s
		case "hash":
			e.Hash = s
		case "idempotencyKey":
			e.IdempotencyKey = s
		default:
			if e.Fields == nil {
				e.Fields = make(map[string]any)
			}
			e.Fields[k] = v
		}
	}

	return nil
}

func (e Entry) HashFields() map[string]string {
	fields, _ := json.Marshal(e.Fields)
	return map[string]string{
		"tx_id":           e.TxID,
		"timestamp":       e.Timestamp.UTC().Format(time.RFC3339Nano),
		"type":            e.Type,
		"previous_hash":   e.PreviousHash,
		"idempotency_key": e.IdempotencyKey,
		"fields":          string(fields),
	}
}

func (e Entry) GenerateHash() string {
	fields := e.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// normalize round-trips e through its JSON form so an appended entry compares equal
// to the same entry read back from any backend.
func normalize(e Entry) (Entry, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return Entry{}, err
	}
	var out Entry
	if err := json.Unmarshal(b, &out); err != nil {
		return Entry{}, err
	}
	return out, nil
}

// seal assigns id, timestamp and chain position, then computes the hash.
func seal(e Entry, txID string, now time.Time, previousHash string) (Entry, error) {
	e.TxID = txID
	e.Timestamp = now.UTC()
	e.PreviousHash = previousHash
	e.Hash = ""

	sealed, err := normalize(e)
	if err != nil {
		return Entry{}, err
	}
	sealed.Hash = sealed.GenerateHash()
	return sealed, nil
}

func lastHash(entries []Entry) string {
	if len(entries) == 0 {
		return GenesisHash
	}
	return entries[len(entries)-1].Hash
}

func (e Entry) clone() Entry {
	if e.Fields == nil {
		return e
	}
	fields := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = v
	}
	e.Fields = fields
	return e
}
