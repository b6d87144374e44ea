package dashboardbridge

import (
	"fmt"

	"github.com/bayesmech/vision-server/internal/protolog"
	"github.com/bayesmech/vision-server/internal/protomsg"
)

// Binary frame-prefix bytes, per spec.md §4.4: the first byte of every
// server->viewer binary message tags what follows it.
const (
	prefixFrame      byte = 0x01
	prefixAnnotation byte = 0x02
)

// encodeBatch prefixes a one-byte payload tag onto the concatenated
// length-delimited protolog encoding of items — the same on-disk record
// format reused as a batch-in-one-WebSocket-message framing.
func encodeBatch[T protomsg.Message](prefix byte, items []T) ([]byte, error) {
	buf := []byte{prefix}
	for _, item := range items {
		rec, err := protolog.Encode(item)
		if err != nil {
			return nil, fmt.Errorf("dashboardbridge: encode batch: %w", err)
		}
		buf = append(buf, rec...)
	}
	return buf, nil
}
