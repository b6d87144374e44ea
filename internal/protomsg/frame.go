package protomsg

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ImageFormat tags the encoding of an ImagePayload's bytes.
type ImageFormat int32

const (
	ImageFormatJPEG ImageFormat = iota
	ImageFormatRGB
	ImageFormatNV12
	ImageFormatDepth16
)

// FrameIdentifier is the correlation key shared by frames and annotations.
// device_id is informational only; (timestamp_ns, frame_number) is the key.
type FrameIdentifier struct {
	DeviceID    string
	FrameNumber uint64
	TimestampNs uint64
}

// Key returns the (timestamp_ns, frame_number) correlation key.
func (f FrameIdentifier) Key() AnnotationKey {
	return AnnotationKey{TimestampNs: f.TimestampNs, FrameNumber: f.FrameNumber}
}

func (f *FrameIdentifier) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, f.DeviceID)
	b = appendVarint(b, 2, f.FrameNumber)
	b = appendVarint(b, 3, f.TimestampNs)
	return b, nil
}

func (f *FrameIdentifier) Unmarshal(data []byte) error {
	*f = FrameIdentifier{}
	return fieldIter(data, func(num protowire.Number, typ protowire.Type, raw []byte) (int, error) {
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return 0, fmt.Errorf("frame_identifier.device_id: %w", protowire.ParseError(n))
			}
			f.DeviceID = string(v)
			return n, nil
		case 2:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return 0, fmt.Errorf("frame_identifier.frame_number: %w", protowire.ParseError(n))
			}
			f.FrameNumber = v
			return n, nil
		case 3:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return 0, fmt.Errorf("frame_identifier.timestamp_ns: %w", protowire.ParseError(n))
			}
			f.TimestampNs = v
			return n, nil
		default:
			return -1, nil
		}
	})
}

// CameraIntrinsics is carried once per session on the first frame and cached
// by FrameStore; subsequent frames that omit it inherit the cached value.
type CameraIntrinsics struct {
	FX, FY, CX, CY           float64
	ImageWidth, ImageHeight int32
	DepthWidth, DepthHeight int32
}

func (c *CameraIntrinsics) Marshal() ([]byte, error) {
	var b []byte
	b = appendFloat64(b, 1, c.FX)
	b = appendFloat64(b, 2, c.FY)
	b = appendFloat64(b, 3, c.CX)
	b = appendFloat64(b, 4, c.CY)
	b = appendVarint(b, 5, uint64(uint32(c.ImageWidth)))
	b = appendVarint(b, 6, uint64(uint32(c.ImageHeight)))
	b = appendVarint(b, 7, uint64(uint32(c.DepthWidth)))
	b = appendVarint(b, 8, uint64(uint32(c.DepthHeight)))
	return b, nil
}

func (c *CameraIntrinsics) Unmarshal(data []byte) error {
	*c = CameraIntrinsics{}
	return fieldIter(data, func(num protowire.Number, typ protowire.Type, raw []byte) (int, error) {
		switch num {
		case 1, 2, 3, 4:
			v, n := protowire.ConsumeFixed64(raw)
			if n < 0 {
				return 0, fmt.Errorf("camera_intrinsics field %d: %w", num, protowire.ParseError(n))
			}
			f := float64FromBits(v)
			switch num {
			case 1:
				c.FX = f
			case 2:
				c.FY = f
			case 3:
				c.CX = f
			case 4:
				c.CY = f
			}
			return n, nil
		case 5, 6, 7, 8:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return 0, fmt.Errorf("camera_intrinsics field %d: %w", num, protowire.ParseError(n))
			}
			iv := int32(uint32(v))
			switch num {
			case 5:
				c.ImageWidth = iv
			case 6:
				c.ImageHeight = iv
			case 7:
				c.DepthWidth = iv
			case 8:
				c.DepthHeight = iv
			}
			return n, nil
		default:
			return -1, nil
		}
	})
}

// ImagePayload carries either the camera image or the depth map: a format
// tag, raw bytes, and the pixel dimensions of that plane.
type ImagePayload struct {
	Format ImageFormat
	Data   []byte
	Width  int32
	Height int32
}

func (i *ImagePayload) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, 1, uint64(uint32(i.Format)))
	b = appendBytes(b, 2, i.Data)
	b = appendVarint(b, 3, uint64(uint32(i.Width)))
	b = appendVarint(b, 4, uint64(uint32(i.Height)))
	return b, nil
}

func (i *ImagePayload) Unmarshal(data []byte) error {
	*i = ImagePayload{}
	return fieldIter(data, func(num protowire.Number, typ protowire.Type, raw []byte) (int, error) {
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return 0, fmt.Errorf("image_payload.format: %w", protowire.ParseError(n))
			}
			i.Format = ImageFormat(int32(uint32(v)))
			return n, nil
		case 2:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return 0, fmt.Errorf("image_payload.data: %w", protowire.ParseError(n))
			}
			i.Data = append([]byte(nil), v...)
			return n, nil
		case 3:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return 0, fmt.Errorf("image_payload.width: %w", protowire.ParseError(n))
			}
			i.Width = int32(uint32(v))
			return n, nil
		case 4:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return 0, fmt.Errorf("image_payload.height: %w", protowire.ParseError(n))
			}
			i.Height = int32(uint32(v))
			return n, nil
		default:
			return -1, nil
		}
	})
}

// Pose is the camera pose: position + orientation quaternion.
type Pose struct {
	PX, PY, PZ     float64
	QX, QY, QZ, QW float64
}

func (p *Pose) Marshal() ([]byte, error) {
	var b []byte
	b = appendFloat64(b, 1, p.PX)
	b = appendFloat64(b, 2, p.PY)
	b = appendFloat64(b, 3, p.PZ)
	b = appendFloat64(b, 4, p.QX)
	b = appendFloat64(b, 5, p.QY)
	b = appendFloat64(b, 6, p.QZ)
	b = appendFloat64(b, 7, p.QW)
	return b, nil
}

func (p *Pose) Unmarshal(data []byte) error {
	*p = Pose{}
	return fieldIter(data, func(num protowire.Number, typ protowire.Type, raw []byte) (int, error) {
		if num < 1 || num > 7 {
			return -1, nil
		}
		v, n := protowire.ConsumeFixed64(raw)
		if n < 0 {
			return 0, fmt.Errorf("pose field %d: %w", num, protowire.ParseError(n))
		}
		f := float64FromBits(v)
		switch num {
		case 1:
			p.PX = f
		case 2:
			p.PY = f
		case 3:
			p.PZ = f
		case 4:
			p.QX = f
		case 5:
			p.QY = f
		case 6:
			p.QZ = f
		case 7:
			p.QW = f
		}
		return n, nil
	})
}

// IMUSample is the linear-acceleration + angular-velocity reading attached
// to a frame.
type IMUSample struct {
	AX, AY, AZ float64
	GX, GY, GZ float64
}

func (s *IMUSample) Marshal() ([]byte, error) {
	var b []byte
	b = appendFloat64(b, 1, s.AX)
	b = appendFloat64(b, 2, s.AY)
	b = appendFloat64(b, 3, s.AZ)
	b = appendFloat64(b, 4, s.GX)
	b = appendFloat64(b, 5, s.GY)
	b = appendFloat64(b, 6, s.GZ)
	return b, nil
}

func (s *IMUSample) Unmarshal(data []byte) error {
	*s = IMUSample{}
	return fieldIter(data, func(num protowire.Number, typ protowire.Type, raw []byte) (int, error) {
		if num < 1 || num > 6 {
			return -1, nil
		}
		v, n := protowire.ConsumeFixed64(raw)
		if n < 0 {
			return 0, fmt.Errorf("imu field %d: %w", num, protowire.ParseError(n))
		}
		f := float64FromBits(v)
		switch num {
		case 1:
			s.AX = f
		case 2:
			s.AY = f
		case 3:
			s.AZ = f
		case 4:
			s.GX = f
		case 5:
			s.GY = f
		case 6:
			s.GZ = f
		}
		return n, nil
	})
}

// Frame is the atomic unit of the live stream: the wire form of
// PerceiverDataFrame. Intrinsics are only present on the frame(s) that
// introduce or refresh them; FrameStore.Push caches the latest value it has
// seen, while FrameStore.LoadRecording keeps the first one in the file.
type Frame struct {
	Identifier FrameIdentifier
	Image      *ImagePayload
	Depth      *ImagePayload
	CameraPose *Pose
	IMU        *IMUSample
	Intrinsics *CameraIntrinsics
}

func (f *Frame) Marshal() ([]byte, error) {
	var b []byte
	idBytes, err := f.Identifier.Marshal()
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, idBytes)

	if b, err = appendMessage(b, 2, f.Image); err != nil {
		return nil, err
	}
	if b, err = appendMessage(b, 3, f.Depth); err != nil {
		return nil, err
	}
	if b, err = appendMessage(b, 4, f.CameraPose); err != nil {
		return nil, err
	}
	if b, err = appendMessage(b, 5, f.IMU); err != nil {
		return nil, err
	}
	if b, err = appendMessage(b, 6, f.Intrinsics); err != nil {
		return nil, err
	}
	return b, nil
}

func (f *Frame) Unmarshal(data []byte) error {
	*f = Frame{}
	return fieldIter(data, func(num protowire.Number, typ protowire.Type, raw []byte) (int, error) {
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return 0, fmt.Errorf("frame.identifier: %w", protowire.ParseError(n))
			}
			if err := f.Identifier.Unmarshal(v); err != nil {
				return 0, err
			}
			return n, nil
		case 2:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return 0, fmt.Errorf("frame.image: %w", protowire.ParseError(n))
			}
			f.Image = new(ImagePayload)
			if err := f.Image.Unmarshal(v); err != nil {
				return 0, err
			}
			return n, nil
		case 3:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return 0, fmt.Errorf("frame.depth: %w", protowire.ParseError(n))
			}
			f.Depth = new(ImagePayload)
			if err := f.Depth.Unmarshal(v); err != nil {
				return 0, err
			}
			return n, nil
		case 4:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return 0, fmt.Errorf("frame.pose: %w", protowire.ParseError(n))
			}
			f.CameraPose = new(Pose)
			if err := f.CameraPose.Unmarshal(v); err != nil {
				return 0, err
			}
			return n, nil
		case 5:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return 0, fmt.Errorf("frame.imu: %w", protowire.ParseError(n))
			}
			f.IMU = new(IMUSample)
			if err := f.IMU.Unmarshal(v); err != nil {
				return 0, err
			}
			return n, nil
		case 6:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return 0, fmt.Errorf("frame.intrinsics: %w", protowire.ParseError(n))
			}
			f.Intrinsics = new(CameraIntrinsics)
			if err := f.Intrinsics.Unmarshal(v); err != nil {
				return 0, err
			}
			return n, nil
		default:
			return -1, nil
		}
	})
}
