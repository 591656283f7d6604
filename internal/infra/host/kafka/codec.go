package kafka

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ahrav/lakescan/internal/domain/enumeration"
	"github.com/ahrav/lakescan/internal/domain/snapshot"
)

// Wire messages use the protobuf encoding without generated types. Field
// numbers are stable; unknown fields are skipped on decode.
//
//	message AssignmentMessage { Kind kind = 1; int64 reader_id = 2; repeated Split splits = 3; }
//	message ReaderEvent       { Kind kind = 1; int64 reader_id = 2; string hostname = 3; repeated Split splits = 4; }
//	message Split             { string id = 1; int64 records_to_skip = 2; int64 snapshot_id = 3;
//	                            string partition = 4; sint64 bucket = 5; repeated File files = 6; bool is_streaming = 7; }
//	message File              { string name = 1; int64 size = 2; int64 row_count = 3; int64 level = 4; }

// ErrMalformedMessage is returned when a payload cannot be decoded.
var ErrMalformedMessage = errors.New("malformed message")

// AssignmentKind distinguishes the messages sent to readers.
type AssignmentKind int32

const (
	AssignmentKindUnspecified AssignmentKind = iota
	AssignmentKindSplits
	AssignmentKindNoMoreSplits
)

// AssignmentMessage is published to the assignment topic, keyed by reader.
type AssignmentMessage struct {
	Kind     AssignmentKind
	ReaderID int
	Splits   []enumeration.SourceSplit
}

// ReaderEventKind distinguishes the messages readers send to the enumerator.
type ReaderEventKind int32

const (
	ReaderEventUnspecified ReaderEventKind = iota
	ReaderEventRegistered
	ReaderEventDeregistered
	ReaderEventSplitRequest
	ReaderEventSplitsReturned
)

func (k ReaderEventKind) String() string {
	switch k {
	case ReaderEventRegistered:
		return "REGISTERED"
	case ReaderEventDeregistered:
		return "DEREGISTERED"
	case ReaderEventSplitRequest:
		return "SPLIT_REQUEST"
	case ReaderEventSplitsReturned:
		return "SPLITS_RETURNED"
	default:
		return "UNSPECIFIED"
	}
}

// ReaderEvent is consumed from the reader event topic.
type ReaderEvent struct {
	Kind     ReaderEventKind
	ReaderID int
	Hostname string
	Splits   []enumeration.SourceSplit
}

// MarshalAssignment encodes m.
func MarshalAssignment(m AssignmentMessage) []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.Kind))
	b = appendVarintField(b, 2, uint64(m.ReaderID))
	for _, s := range m.Splits {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, appendSplit(nil, s))
	}
	return b
}

// UnmarshalAssignment decodes an AssignmentMessage.
func UnmarshalAssignment(b []byte) (AssignmentMessage, error) {
	var m AssignmentMessage
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Kind = AssignmentKind(v)
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.ReaderID = int(v)
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			s, err := consumeSplit(v)
			if err != nil {
				return 0, err
			}
			m.Splits = append(m.Splits, s)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return m, err
}

// MarshalReaderEvent encodes e.
func MarshalReaderEvent(e ReaderEvent) []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(e.Kind))
	b = appendVarintField(b, 2, uint64(e.ReaderID))
	if e.Hostname != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, e.Hostname)
	}
	for _, s := range e.Splits {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, appendSplit(nil, s))
	}
	return b
}

// UnmarshalReaderEvent decodes a ReaderEvent.
func UnmarshalReaderEvent(b []byte) (ReaderEvent, error) {
	var e ReaderEvent
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Kind = ReaderEventKind(v)
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.ReaderID = int(v)
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			e.Hostname = v
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			s, err := consumeSplit(v)
			if err != nil {
				return 0, err
			}
			e.Splits = append(e.Splits, s)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return ReaderEvent{}, err
	}
	if e.Kind == ReaderEventUnspecified {
		return ReaderEvent{}, fmt.Errorf("%w: reader event without kind", ErrMalformedMessage)
	}
	return e, nil
}

func appendSplit(b []byte, s enumeration.SourceSplit) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, s.ID)
	b = appendVarintField(b, 2, uint64(s.RecordsToSkip))
	b = appendVarintField(b, 3, uint64(s.Split.SnapshotID))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendString(b, s.Split.Partition)
	b = appendVarintField(b, 5, protowire.EncodeZigZag(int64(s.Split.Bucket)))
	for _, f := range s.Split.Files {
		var fb []byte
		fb = protowire.AppendTag(fb, 1, protowire.BytesType)
		fb = protowire.AppendString(fb, f.Name)
		fb = appendVarintField(fb, 2, uint64(f.Size))
		fb = appendVarintField(fb, 3, uint64(f.RowCount))
		fb = appendVarintField(fb, 4, uint64(f.Level))

		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, fb)
	}
	if s.Split.IsStreaming {
		b = appendVarintField(b, 7, protowire.EncodeBool(true))
	}
	return b
}

func consumeSplit(b []byte) (enumeration.SourceSplit, error) {
	var s enumeration.SourceSplit
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case 2:
				s.RecordsToSkip = int64(v)
			case 3:
				s.Split.SnapshotID = int64(v)
			case 5:
				s.Split.Bucket = int(protowire.DecodeZigZag(v))
			case 7:
				s.Split.IsStreaming = protowire.DecodeBool(v)
			}
			return n, nil
		}
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		switch num {
		case 1:
			s.ID = string(v)
		case 4:
			s.Split.Partition = string(v)
		case 6:
			f, err := consumeFile(v)
			if err != nil {
				return 0, err
			}
			s.Split.Files = append(s.Split.Files, f)
		}
		return n, nil
	})
	if err != nil {
		return enumeration.SourceSplit{}, err
	}
	if err := s.Validate(); err != nil {
		return enumeration.SourceSplit{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return s, nil
}

func consumeFile(b []byte) (snapshot.DataFile, error) {
	var f snapshot.DataFile
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			f.Name = v
			return n, nil
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case 2:
				f.Size = int64(v)
			case 3:
				f.RowCount = int64(v)
			case 4:
				f.Level = int(v)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return f, err
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// consumeFields walks b field by field. fn consumes the value of one field
// and returns the number of bytes read, or a negative protowire error code.
func consumeFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %w", ErrMalformedMessage, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}
