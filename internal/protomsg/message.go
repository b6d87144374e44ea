// Package protomsg defines the wire messages exchanged between the device,
// the segmentation service, recordings on disk, and dashboard viewers.
//
// There is no protoc step in this build: messages encode themselves directly
// against the stable protobuf wire-format primitives in
// google.golang.org/protobuf/encoding/protowire. Field numbers follow normal
// protobuf discipline (assigned once, never reused) so the wire bytes are
// interchangeable with a conventionally generated implementation of the same
// schema.
package protomsg

// Message is implemented by every wire type in this package and is the only
// requirement protolog's generic ReadFile/Decode/WriteFile/Writer place on T.
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}
