package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the size of the fixed frame header.
	HeaderSize = 1 + 1 + 8

	// LengthPrefixSize is the size of the stream length prefix.
	LengthPrefixSize = 4

	// ContainerOverhead is the encoded size of an empty container.
	ContainerOverhead = HeaderSize + countSize

	// MemberOverhead is the length prefix of each container member.
	MemberOverhead = countSize

	countSize = 4
	idSize    = 8
)

// Frame is a decoded frame. Which fields are meaningful depends on Kind:
//
//   - Request, Update: ID, Payload
//   - Response: ID, ReqID, Payload
//   - Ack, StateQuery, ResendRequest: IDs
//   - StateInfo: IDs and States (parallel)
//   - Ping, Pong: ID is the ping id
//   - Container: ID is the container id, Frames are the members
//   - NewSession: ID is the first message id of the peer's new session
type Frame struct {
	Kind  Kind
	Flags Flags
	ID    uint64

	ReqID   uint64
	Payload []byte

	IDs    []uint64
	States []MessageState

	Frames []Frame
}

// NewRequest builds a Request frame.
func NewRequest(id uint64, payload []byte) Frame {
	return Frame{Kind: KindRequest, ID: id, Payload: payload}
}

// NewResponse builds a Response frame answering reqID.
func NewResponse(id, reqID uint64, payload []byte) Frame {
	return Frame{Kind: KindResponse, ID: id, ReqID: reqID, Payload: payload}
}

// NewUpdate builds a server-initiated Update frame.
func NewUpdate(id uint64, payload []byte) Frame {
	return Frame{Kind: KindUpdate, ID: id, Payload: payload}
}

// NewAck builds an Ack frame for ids.
func NewAck(ids []uint64) Frame {
	return Frame{Kind: KindAck, IDs: ids}
}

// NewStateQuery builds a StateQuery frame for ids.
func NewStateQuery(ids []uint64) Frame {
	return Frame{Kind: KindStateQuery, IDs: ids}
}

// NewStateInfo builds a StateInfo frame. ids and states must be the same length.
func NewStateInfo(ids []uint64, states []MessageState) Frame {
	return Frame{Kind: KindStateInfo, IDs: ids, States: states}
}

// NewResendRequest builds a ResendRequest frame for ids.
func NewResendRequest(ids []uint64) Frame {
	return Frame{Kind: KindResendRequest, IDs: ids}
}

// NewPing builds a Ping frame.
func NewPing(pingID uint64) Frame {
	return Frame{Kind: KindPing, ID: pingID}
}

// NewPong builds a Pong frame echoing pingID.
func NewPong(pingID uint64) Frame {
	return Frame{Kind: KindPong, ID: pingID}
}

// NewContainer builds a Container frame.
func NewContainer(id uint64, frames []Frame) Frame {
	return Frame{Kind: KindContainer, ID: id, Frames: frames}
}

// NewNewSession builds a NewSession notification.
func NewNewSession(firstID uint64) Frame {
	return Frame{Kind: KindNewSession, ID: firstID}
}

// MaxRequestPayload returns the largest request payload that still fits in a
// frameMax-byte frame once wrapped in a container on its own.
func MaxRequestPayload(frameMax int) int {
	return frameMax - ContainerOverhead - MemberOverhead - HeaderSize
}

// MaxIDs returns how many ids a frame of kind (Ack, StateQuery,
// ResendRequest or StateInfo) can list within frameMax bytes. It may be zero.
func MaxIDs(kind Kind, frameMax int) int {
	per := idSize
	if kind == KindStateInfo {
		per++
	}
	n := (frameMax - HeaderSize - countSize) / per
	return max(n, 0)
}

// Size returns the encoded size of the frame in bytes.
func (f *Frame) Size() int {
	size := HeaderSize
	switch {
	case f.Kind == KindResponse:
		size += idSize + len(f.Payload)
	case f.Kind.carriesPayload():
		size += len(f.Payload)
	case f.Kind == KindStateInfo:
		size += countSize + len(f.IDs)*(idSize+1)
	case f.Kind.carriesIDs():
		size += countSize + len(f.IDs)*idSize
	case f.Kind == KindContainer:
		size += countSize
		for i := range f.Frames {
			size += countSize + f.Frames[i].Size()
		}
	}
	return size
}

// Encode serializes the frame.
func (f *Frame) Encode() []byte {
	buf := make([]byte, f.Size())
	f.EncodeTo(buf)
	return buf
}

// EncodeTo serializes the frame into buf, which must be at least Size() bytes.
// Returns the number of bytes written.
func (f *Frame) EncodeTo(buf []byte) int {
	buf[0] = byte(f.Kind)
	buf[1] = byte(f.Flags)
	binary.LittleEndian.PutUint64(buf[2:], f.ID)
	offset := HeaderSize

	switch {
	case f.Kind == KindResponse:
		binary.LittleEndian.PutUint64(buf[offset:], f.ReqID)
		offset += idSize
		offset += copy(buf[offset:], f.Payload)
	case f.Kind.carriesPayload():
		offset += copy(buf[offset:], f.Payload)
	case f.Kind.carriesIDs():
		binary.LittleEndian.PutUint32(buf[offset:], uint32(len(f.IDs)))
		offset += countSize
		for i, id := range f.IDs {
			binary.LittleEndian.PutUint64(buf[offset:], id)
			offset += idSize
			if f.Kind == KindStateInfo {
				var st MessageState
				if i < len(f.States) {
					st = f.States[i]
				}
				buf[offset] = byte(st)
				offset++
			}
		}
	case f.Kind == KindContainer:
		binary.LittleEndian.PutUint32(buf[offset:], uint32(len(f.Frames)))
		offset += countSize
		for i := range f.Frames {
			n := f.Frames[i].EncodeTo(buf[offset+countSize:])
			binary.LittleEndian.PutUint32(buf[offset:], uint32(n))
			offset += countSize + n
		}
	}
	return offset
}

// Decode parses a frame. Payload slices are copied, so data may be reused.
func Decode(data []byte) (*Frame, error) {
	f, err := decode(data, false)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func decode(data []byte, inContainer bool) (Frame, error) {
	var f Frame
	if len(data) < HeaderSize {
		return f, fmt.Errorf("%w: %d bytes, header needs %d", ErrMalformedFrame, len(data), HeaderSize)
	}
	f.Kind = Kind(data[0])
	f.Flags = Flags(data[1])
	f.ID = binary.LittleEndian.Uint64(data[2:])
	if !f.Kind.IsValid() {
		return f, fmt.Errorf("%w: %d", ErrUnknownKind, data[0])
	}
	body := data[HeaderSize:]

	switch {
	case f.Kind == KindResponse:
		if len(body) < idSize {
			return f, fmt.Errorf("%w: response without request id", ErrMalformedFrame)
		}
		f.ReqID = binary.LittleEndian.Uint64(body)
		f.Payload = clone(body[idSize:])
	case f.Kind.carriesPayload():
		f.Payload = clone(body)
	case f.Kind.carriesIDs():
		stride := idSize
		if f.Kind == KindStateInfo {
			stride++
		}
		count, rest, err := readCount(body, stride)
		if err != nil {
			return f, err
		}
		f.IDs = make([]uint64, count)
		if f.Kind == KindStateInfo {
			f.States = make([]MessageState, count)
		}
		for i := 0; i < count; i++ {
			f.IDs[i] = binary.LittleEndian.Uint64(rest)
			rest = rest[idSize:]
			if f.Kind == KindStateInfo {
				f.States[i] = MessageState(rest[0])
				rest = rest[1:]
			}
		}
		if len(rest) != 0 {
			return f, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, len(rest))
		}
	case f.Kind == KindContainer:
		if inContainer {
			return f, ErrNestedContainer
		}
		count, rest, err := readCount(body, countSize+HeaderSize)
		if err != nil {
			return f, err
		}
		f.Frames = make([]Frame, 0, count)
		for i := 0; i < count; i++ {
			if len(rest) < countSize {
				return f, fmt.Errorf("%w: container member %d truncated", ErrMalformedFrame, i)
			}
			n := int(binary.LittleEndian.Uint32(rest))
			rest = rest[countSize:]
			if n > len(rest) {
				return f, fmt.Errorf("%w: container member %d length %d exceeds %d", ErrMalformedFrame, i, n, len(rest))
			}
			member, err := decode(rest[:n], true)
			if err != nil {
				return f, err
			}
			f.Frames = append(f.Frames, member)
			rest = rest[n:]
		}
		if len(rest) != 0 {
			return f, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, len(rest))
		}
	}
	return f, nil
}

// readCount reads a u32 element count and checks the body can hold count
// elements of at least minStride bytes.
func readCount(body []byte, minStride int) (int, []byte, error) {
	if len(body) < countSize {
		return 0, nil, fmt.Errorf("%w: missing count", ErrMalformedFrame)
	}
	count := int(binary.LittleEndian.Uint32(body))
	rest := body[countSize:]
	if count > len(rest)/minStride {
		return 0, nil, fmt.Errorf("%w: count %d exceeds body", ErrMalformedFrame, count)
	}
	return count, rest, nil
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
