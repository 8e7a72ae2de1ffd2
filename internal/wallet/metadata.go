package wallet

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Metadata is a flat string map stored as JSONB. Keys used by the ledger:
//
//	reason          refund reason (ESCROW_REFUND rows)
//	releasedBy      "api" or "scheduler" (ESCROW_RELEASE rows)
//	gatewayEventId  id of the gateway webhook that produced the row
//	counterparty    user id on the other side of an escrow movement
//	note            free text from an operator
//	source          calling system
type Metadata map[string]string

// Well-known metadata keys.
const (
	MetaReason         = "reason"
	MetaReleasedBy     = "releasedBy"
	MetaGatewayEventID = "gatewayEventId"
	MetaCounterparty   = "counterparty"
	MetaNote           = "note"
	MetaSource         = "source"
)

const (
	maxMetadataKeys     = 32
	maxMetadataKeyLen   = 64
	maxMetadataValueLen = 1024
)

// Clone returns an independent copy; nil stays nil.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	c := make(Metadata, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// With returns a copy of m with key set to value.
func (m Metadata) With(key, value string) Metadata {
	c := m.Clone()
	if c == nil {
		c = Metadata{}
	}
	c[key] = value
	return c
}

// Validate bounds the size of the map.
func (m Metadata) Validate() error {
	if len(m) > maxMetadataKeys {
		return fmt.Errorf("%w: metadata has more than %d keys", ErrInvalidRequest, maxMetadataKeys)
	}
	for k, v := range m {
		if k == "" || len(k) > maxMetadataKeyLen {
			return fmt.Errorf("%w: metadata key %q must be 1-%d characters", ErrInvalidRequest, k, maxMetadataKeyLen)
		}
		if len(v) > maxMetadataValueLen {
			return fmt.Errorf("%w: metadata value for %q exceeds %d characters", ErrInvalidRequest, k, maxMetadataValueLen)
		}
	}
	return nil
}

// Value implements driver.Valuer. It returns a string so lib/pq sends JSON
// text rather than bytea.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("wallet: cannot scan %T into Metadata", src)
	}

	out := Metadata{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("wallet: decode metadata: %w", err)
	}
	if len(out) == 0 {
		out = nil
	}
	*m = out
	return nil
}
