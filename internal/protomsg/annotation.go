package protomsg

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// AnnotationKey is the map key Annotator and DashboardBridge use to correlate a
// segmentation result back to the frame that produced it. Device identity
// plays no part in correlation: two devices never share a clock domain, but
// within one recording (timestamp_ns, frame_number) is unique.
type AnnotationKey struct {
	TimestampNs uint64
	FrameNumber uint64
}

// TriggerType selects how the segmentation service should seed its mask
// prediction for a frame.
type TriggerType int32

const (
	TriggerUnknown TriggerType = iota
	TriggerPoint
	TriggerText
	TriggerAutoGrid
	TriggerPropagation
)

// Mask is one object's segmentation result within an Annotation.
type Mask struct {
	ObjectID   int32
	MaskData   []byte
	PixelCount uint64
	Confidence float32
}

func (m *Mask) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, 1, uint64(uint32(m.ObjectID)))
	b = appendBytes(b, 2, m.MaskData)
	b = appendVarint(b, 3, m.PixelCount)
	b = appendFloat32(b, 4, m.Confidence)
	return b, nil
}

func (m *Mask) Unmarshal(data []byte) error {
	*m = Mask{}
	return fieldIter(data, func(num protowire.Number, typ protowire.Type, raw []byte) (int, error) {
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return 0, fmt.Errorf("mask.object_id: %w", protowire.ParseError(n))
			}
			m.ObjectID = int32(uint32(v))
			return n, nil
		case 2:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return 0, fmt.Errorf("mask.mask_data: %w", protowire.ParseError(n))
			}
			m.MaskData = append([]byte(nil), v...)
			return n, nil
		case 3:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return 0, fmt.Errorf("mask.pixel_count: %w", protowire.ParseError(n))
			}
			m.PixelCount = v
			return n, nil
		case 4:
			v, n := protowire.ConsumeFixed32(raw)
			if n < 0 {
				return 0, fmt.Errorf("mask.confidence: %w", protowire.ParseError(n))
			}
			m.Confidence = float32FromBits(v)
			return n, nil
		default:
			return -1, nil
		}
	})
}

// Annotation is the wire form of SegmentationResponse: the per-object masks
// the segmentation service produced for one frame.
type Annotation struct {
	Identifier  FrameIdentifier
	TriggerType TriggerType
	Masks       []Mask
}

// Key returns the correlation key this annotation answers.
func (a Annotation) Key() AnnotationKey {
	return a.Identifier.Key()
}

func (a *Annotation) Marshal() ([]byte, error) {
	var b []byte
	idBytes, err := a.Identifier.Marshal()
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, idBytes)
	b = appendVarint(b, 2, uint64(uint32(a.TriggerType)))
	for i := range a.Masks {
		if b, err = appendMessage(b, 3, &a.Masks[i]); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (a *Annotation) Unmarshal(data []byte) error {
	*a = Annotation{}
	return fieldIter(data, func(num protowire.Number, typ protowire.Type, raw []byte) (int, error) {
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return 0, fmt.Errorf("annotation.identifier: %w", protowire.ParseError(n))
			}
			if err := a.Identifier.Unmarshal(v); err != nil {
				return 0, err
			}
			return n, nil
		case 2:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return 0, fmt.Errorf("annotation.trigger_type: %w", protowire.ParseError(n))
			}
			a.TriggerType = TriggerType(int32(uint32(v)))
			return n, nil
		case 3:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return 0, fmt.Errorf("annotation.masks: %w", protowire.ParseError(n))
			}
			var mask Mask
			if err := mask.Unmarshal(v); err != nil {
				return 0, err
			}
			a.Masks = append(a.Masks, mask)
			return n, nil
		default:
			return -1, nil
		}
	})
}

// SegmentationRequest is what Annotator sends to the segmentation service:
// the frame identity plus the single image plane it should segment.
type SegmentationRequest struct {
	Identifier  FrameIdentifier
	Image       ImagePayload
	TriggerType TriggerType
}

func (r *SegmentationRequest) Marshal() ([]byte, error) {
	var b []byte
	idBytes, err := r.Identifier.Marshal()
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, idBytes)
	if b, err = appendMessage(b, 2, &r.Image); err != nil {
		return nil, err
	}
	b = appendVarint(b, 3, uint64(uint32(r.TriggerType)))
	return b, nil
}

func (r *SegmentationRequest) Unmarshal(data []byte) error {
	*r = SegmentationRequest{}
	return fieldIter(data, func(num protowire.Number, typ protowire.Type, raw []byte) (int, error) {
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return 0, fmt.Errorf("segmentation_request.identifier: %w", protowire.ParseError(n))
			}
			if err := r.Identifier.Unmarshal(v); err != nil {
				return 0, err
			}
			return n, nil
		case 2:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return 0, fmt.Errorf("segmentation_request.image: %w", protowire.ParseError(n))
			}
			if err := r.Image.Unmarshal(v); err != nil {
				return 0, err
			}
			return n, nil
		case 3:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return 0, fmt.Errorf("segmentation_request.trigger_type: %w", protowire.ParseError(n))
			}
			r.TriggerType = TriggerType(int32(uint32(v)))
			return n, nil
		default:
			return -1, nil
		}
	})
}
