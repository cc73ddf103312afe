package network

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// UpdateKind tags the step a TransferUpdate represents.
type UpdateKind uint32

const (
	UpdateBegin UpdateKind = iota + 1
	UpdateChunk
	UpdateChunkAck
	UpdateFileDone
	UpdateFileVerdict
	UpdateCancel
	UpdateComplete
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateBegin:
		return "begin"
	case UpdateChunk:
		return "chunk"
	case UpdateChunkAck:
		return "chunk_ack"
	case UpdateFileDone:
		return "file_done"
	case UpdateFileVerdict:
		return "file_verdict"
	case UpdateCancel:
		return "cancel"
	case UpdateComplete:
		return "complete"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// UpdateStatus is the outcome carried by acks and verdicts.
type UpdateStatus uint32

const (
	StatusOK UpdateStatus = iota
	StatusChecksumMismatch
	StatusIOError
	StatusCancelled
	StatusProtocol
)

// Envelope wraps exactly one control-plane message.
type Envelope struct {
	RequestID string
	Hello     *Hello
	Offer     *Offer
	Answer    *Answer
	Update    *TransferUpdate
	Error     *ErrorMessage
}

// Hello announces a device after the channel is up.
type Hello struct {
	DeviceName      string
	DeviceID        string
	Capabilities    []string
	ProtocolVersion uint32
}

// FileInfo is one offered file on the wire.
type FileInfo struct {
	Path         string
	Size         int64
	MimeType     string
	ModifiedTime time.Time
	Hash         []byte
}

// Offer proposes a transfer.
type Offer struct {
	SessionID  string
	TotalSize  int64
	TotalFiles uint32
	Files      []FileInfo
	SenderName string
}

// ResumePoint tells the sender how much of a file the receiver already holds.
// BlockHashes digest the whole BlockSize blocks of that prefix in order, so a
// sender whose full prefix differs can still resume at the last matching block.
type ResumePoint struct {
	FileIndex   uint32
	Offset      int64
	PrefixHash  []byte
	BlockSize   int64
	BlockHashes [][]byte
}

// Answer accepts or declines an offer.
type Answer struct {
	SessionID    string
	Accepted     bool
	SkippedFiles []uint32
	Resume       []ResumePoint
	Reason       string
}

// TransferUpdate drives the data plane of an accepted session.
type TransferUpdate struct {
	SessionID  string
	Kind       UpdateKind
	FileIndex  uint32
	ChunkIndex uint32
	Offset     int64
	Data       []byte
	Digest     []byte
	Status     UpdateStatus
	Message    string
}

// ErrorMessage reports a failure with a boundary result code.
type ErrorMessage struct {
	Code    uint32
	Message string
}

func (e Envelope) payloadCount() int {
	count := 0
	if e.Hello != nil {
		count++
	}
	if e.Offer != nil {
		count++
	}
	if e.Answer != nil {
		count++
	}
	if e.Update != nil {
		count++
	}
	if e.Error != nil {
		count++
	}
	return count
}

// MarshalEnvelope encodes env in protobuf wire format.
func MarshalEnvelope(env Envelope) ([]byte, error) {
	if env.payloadCount() != 1 {
		return nil, fmt.Errorf("%w: envelope carries %d payloads", ErrMalformedMessage, env.payloadCount())
	}

	var b []byte
	b = appendString(b, 1, env.RequestID)
	switch {
	case env.Hello != nil:
		b = appendMessage(b, 2, env.Hello.marshal())
	case env.Offer != nil:
		b = appendMessage(b, 3, env.Offer.marshal())
	case env.Answer != nil:
		b = appendMessage(b, 4, env.Answer.marshal())
	case env.Update != nil:
		b = appendMessage(b, 5, env.Update.marshal())
	case env.Error != nil:
		b = appendMessage(b, 6, env.Error.marshal())
	}
	return b, nil
}

// UnmarshalEnvelope decodes an envelope. Unknown fields are skipped.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		switch num {
		case 1:
			return decodeString(typ, raw, &env.RequestID)
		case 2:
			return decodeMessage(typ, raw, func(b []byte) error {
				env.Hello = &Hello{}
				return env.Hello.unmarshal(b)
			})
		case 3:
			return decodeMessage(typ, raw, func(b []byte) error {
				env.Offer = &Offer{}
				return env.Offer.unmarshal(b)
			})
		case 4:
			return decodeMessage(typ, raw, func(b []byte) error {
				env.Answer = &Answer{}
				return env.Answer.unmarshal(b)
			})
		case 5:
			return decodeMessage(typ, raw, func(b []byte) error {
				env.Update = &TransferUpdate{}
				return env.Update.unmarshal(b)
			})
		case 6:
			return decodeMessage(typ, raw, func(b []byte) error {
				env.Error = &ErrorMessage{}
				return env.Error.unmarshal(b)
			})
		}
		return nil
	})
	if err != nil {
		return Envelope{}, err
	}
	if env.payloadCount() != 1 {
		return Envelope{}, fmt.Errorf("%w: envelope carries %d payloads", ErrMalformedMessage, env.payloadCount())
	}
	return env, nil
}

func (h *Hello) marshal() []byte {
	var b []byte
	b = appendString(b, 1, h.DeviceName)
	b = appendString(b, 2, h.DeviceID)
	for _, capability := range h.Capabilities {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, capability)
	}
	b = appendVarint(b, 4, uint64(h.ProtocolVersion))
	return b
}

func (h *Hello) unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		switch num {
		case 1:
			return decodeString(typ, raw, &h.DeviceName)
		case 2:
			return decodeString(typ, raw, &h.DeviceID)
		case 3:
			var capability string
			if err := decodeString(typ, raw, &capability); err != nil {
				return err
			}
			h.Capabilities = append(h.Capabilities, capability)
		case 4:
			v, err := decodeVarint(typ, raw)
			h.ProtocolVersion = uint32(v)
			return err
		}
		return nil
	})
}

func (f *FileInfo) marshal() []byte {
	var b []byte
	b = appendString(b, 1, f.Path)
	b = appendVarint(b, 2, uint64(f.Size))
	b = appendString(b, 3, f.MimeType)
	if !f.ModifiedTime.IsZero() {
		b = appendVarint(b, 4, uint64(f.ModifiedTime.UnixNano()))
	}
	b = appendBytes(b, 5, f.Hash)
	return b
}

func (f *FileInfo) unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		switch num {
		case 1:
			return decodeString(typ, raw, &f.Path)
		case 2:
			v, err := decodeVarint(typ, raw)
			f.Size = int64(v)
			return err
		case 3:
			return decodeString(typ, raw, &f.MimeType)
		case 4:
			v, err := decodeVarint(typ, raw)
			f.ModifiedTime = time.Unix(0, int64(v))
			return err
		case 5:
			return decodeBytes(typ, raw, &f.Hash)
		}
		return nil
	})
}

func (o *Offer) marshal() []byte {
	var b []byte
	b = appendString(b, 1, o.SessionID)
	b = appendVarint(b, 2, uint64(o.TotalSize))
	b = appendVarint(b, 3, uint64(o.TotalFiles))
	for i := range o.Files {
		b = appendMessage(b, 4, o.Files[i].marshal())
	}
	b = appendString(b, 5, o.SenderName)
	return b
}

func (o *Offer) unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		switch num {
		case 1:
			return decodeString(typ, raw, &o.SessionID)
		case 2:
			v, err := decodeVarint(typ, raw)
			o.TotalSize = int64(v)
			return err
		case 3:
			v, err := decodeVarint(typ, raw)
			o.TotalFiles = uint32(v)
			return err
		case 4:
			return decodeMessage(typ, raw, func(b []byte) error {
				var file FileInfo
				if err := file.unmarshal(b); err != nil {
					return err
				}
				o.Files = append(o.Files, file)
				return nil
			})
		case 5:
			return decodeString(typ, raw, &o.SenderName)
		}
		return nil
	})
}

func (r *ResumePoint) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(r.FileIndex))
	b = appendVarint(b, 2, uint64(r.Offset))
	b = appendBytes(b, 3, r.PrefixHash)
	b = appendVarint(b, 4, uint64(r.BlockSize))
	for _, digest := range r.BlockHashes {
		b = appendBytes(b, 5, digest)
	}
	return b
}

func (r *ResumePoint) unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		switch num {
		case 1:
			v, err := decodeVarint(typ, raw)
			r.FileIndex = uint32(v)
			return err
		case 2:
			v, err := decodeVarint(typ, raw)
			r.Offset = int64(v)
			return err
		case 3:
			return decodeBytes(typ, raw, &r.PrefixHash)
		case 4:
			v, err := decodeVarint(typ, raw)
			r.BlockSize = int64(v)
			return err
		case 5:
			var digest []byte
			if err := decodeBytes(typ, raw, &digest); err != nil {
				return err
			}
			r.BlockHashes = append(r.BlockHashes, digest)
		}
		return nil
	})
}

func (a *Answer) marshal() []byte {
	var b []byte
	b = appendString(b, 1, a.SessionID)
	if a.Accepted {
		b = appendVarint(b, 2, 1)
	}
	if len(a.SkippedFiles) > 0 {
		var packed []byte
		for _, index := range a.SkippedFiles {
			packed = protowire.AppendVarint(packed, uint64(index))
		}
		b = appendMessage(b, 3, packed)
	}
	for i := range a.Resume {
		b = appendMessage(b, 4, a.Resume[i].marshal())
	}
	b = appendString(b, 5, a.Reason)
	return b
}

func (a *Answer) unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		switch num {
		case 1:
			return decodeString(typ, raw, &a.SessionID)
		case 2:
			v, err := decodeVarint(typ, raw)
			a.Accepted = v != 0
			return err
		case 3:
			// Repeated scalars may arrive packed or one per tag.
			if typ == protowire.VarintType {
				v, err := decodeVarint(typ, raw)
				a.SkippedFiles = append(a.SkippedFiles, uint32(v))
				return err
			}
			var packed []byte
			if err := decodeBytes(typ, raw, &packed); err != nil {
				return err
			}
			for len(packed) > 0 {
				v, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					return fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
				}
				a.SkippedFiles = append(a.SkippedFiles, uint32(v))
				packed = packed[n:]
			}
		case 4:
			return decodeMessage(typ, raw, func(b []byte) error {
				var point ResumePoint
				if err := point.unmarshal(b); err != nil {
					return err
				}
				a.Resume = append(a.Resume, point)
				return nil
			})
		case 5:
			return decodeString(typ, raw, &a.Reason)
		}
		return nil
	})
}

func (u *TransferUpdate) marshal() []byte {
	var b []byte
	b = appendString(b, 1, u.SessionID)
	b = appendVarint(b, 2, uint64(u.Kind))
	b = appendVarint(b, 3, uint64(u.FileIndex))
	b = appendVarint(b, 4, uint64(u.ChunkIndex))
	b = appendVarint(b, 5, uint64(u.Offset))
	b = appendBytes(b, 6, u.Data)
	b = appendBytes(b, 7, u.Digest)
	b = appendVarint(b, 8, uint64(u.Status))
	b = appendString(b, 9, u.Message)
	return b
}

func (u *TransferUpdate) unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		switch num {
		case 1:
			return decodeString(typ, raw, &u.SessionID)
		case 2:
			v, err := decodeVarint(typ, raw)
			u.Kind = UpdateKind(v)
			return err
		case 3:
			v, err := decodeVarint(typ, raw)
			u.FileIndex = uint32(v)
			return err
		case 4:
			v, err := decodeVarint(typ, raw)
			u.ChunkIndex = uint32(v)
			return err
		case 5:
			v, err := decodeVarint(typ, raw)
			u.Offset = int64(v)
			return err
		case 6:
			return decodeBytes(typ, raw, &u.Data)
		case 7:
			return decodeBytes(typ, raw, &u.Digest)
		case 8:
			v, err := decodeVarint(typ, raw)
			u.Status = UpdateStatus(v)
			return err
		case 9:
			return decodeString(typ, raw, &u.Message)
		}
		return nil
	})
}

func (e *ErrorMessage) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(e.Code))
	b = appendString(b, 2, e.Message)
	return b
}

func (e *ErrorMessage) unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		switch num {
		case 1:
			v, err := decodeVarint(typ, raw)
			e.Code = uint32(v)
			return err
		case 2:
			return decodeString(typ, raw, &e.Message)
		}
		return nil
	})
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// appendMessage always emits the field so an empty submessage still selects its oneof arm.
func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// walkFields calls visit with each field's raw value, tag excluded.
func walkFields(data []byte, visit func(num protowire.Number, typ protowire.Type, raw []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		data = data[n:]

		m := protowire.ConsumeFieldValue(num, typ, data)
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedMessage, num, protowire.ParseError(m))
		}
		if err := visit(num, typ, data[:m]); err != nil {
			return err
		}
		data = data[m:]
	}
	return nil
}

func decodeVarint(typ protowire.Type, raw []byte) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("%w: expected varint, got wire type %d", ErrMalformedMessage, typ)
	}
	v, n := protowire.ConsumeVarint(raw)
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
	}
	return v, nil
}

func decodeBytes(typ protowire.Type, raw []byte, out *[]byte) error {
	if typ != protowire.BytesType {
		return fmt.Errorf("%w: expected bytes, got wire type %d", ErrMalformedMessage, typ)
	}
	v, n := protowire.ConsumeBytes(raw)
	if n < 0 {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
	}
	*out = append([]byte(nil), v...)
	return nil
}

func decodeString(typ protowire.Type, raw []byte, out *string) error {
	var b []byte
	if err := decodeBytes(typ, raw, &b); err != nil {
		return err
	}
	*out = string(b)
	return nil
}

func decodeMessage(typ protowire.Type, raw []byte, decode func([]byte) error) error {
	if typ != protowire.BytesType {
		return fmt.Errorf("%w: expected message, got wire type %d", ErrMalformedMessage, typ)
	}
	v, n := protowire.ConsumeBytes(raw)
	if n < 0 {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
	}
	return decode(v)
}
