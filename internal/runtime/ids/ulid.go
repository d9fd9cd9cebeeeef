// Package ids generates the identifiers attached to connections and to
// messages forwarded by the publisher sinks.
package ids

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// IDs created by one process are strictly increasing.
func CreateULID() string {
	return ulid.Make().String()
}

// NewConnectionID returns a ULID prefixed with the transport kind, for example
// "tcp-01HZY...". Connection IDs sort by open time within a transport.
func NewConnectionID(kind string) string {
	if kind == "" {
		return CreateULID()
	}
	return kind + "-" + CreateULID()
}

// OpenedAt extracts the creation time encoded in a connection ID.
func OpenedAt(connectionID string) (time.Time, bool) {
	raw := connectionID
	if i := strings.LastIndexByte(raw, '-'); i >= 0 {
		raw = raw[i+1:]
	}
	id, err := ulid.ParseStrict(raw)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(id.Time()), true
}
