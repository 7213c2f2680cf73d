package mapper

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dhcgn/dumprecover/model"
	"github.com/dhcgn/dumprecover/quasijson"
)

var (
	ErrMissingField = errors.New("missing field")
	ErrWrongType    = errors.New("unexpected type")
	ErrOutOfRange   = errors.New("value out of range")
)

// Source field names as printed by the session client.
const (
	fieldID          = "id"
	fieldType        = "type"
	fieldFrom        = "from"
	fieldAuthor      = "author"
	fieldDisplayName = "displayName"
	fieldText        = "text"
	fieldTimestamp   = "timestamp"
	fieldAttachments = "attachments"

	fieldMetadata    = "metadata"
	fieldWidth       = "width"
	fieldHeight      = "height"
	fieldContentType = "contentType"
	fieldSize        = "size"
	fieldName        = "name"
	fieldKey         = "_key"
	fieldDigest      = "_digest"
)

// millisThreshold separates epoch seconds from epoch milliseconds.
const millisThreshold = 1e11

// FieldError names the source path that stopped a message or attachment
// from being mapped.
type FieldError struct {
	Path   string
	Err    error
	Detail string
}

func (e *FieldError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("field %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("field %s: %v: %s", e.Path, e.Err, e.Detail)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func fieldErr(path string, err error, detail string) *FieldError {
	return &FieldError{Path: path, Err: err, Detail: detail}
}

// Map converts one recovered object into a message. An attachment that cannot
// be mapped is left out and reported in dropped; the message keeps the rest.
// A message missing a required field is reported through err.
func Map(v quasijson.Value) (msg model.Message, dropped []error, err error) {
	if v.Kind() != quasijson.KindObject {
		return model.Message{}, nil, fieldErr("$", ErrWrongType, "want object, got "+v.Kind().String())
	}

	if msg.ID, err = identifier(v, fieldID); err != nil {
		return model.Message{}, nil, err
	}
	if msg.Type, err = identifier(v, fieldType); err != nil {
		return model.Message{}, nil, err
	}
	if msg.SenderID, err = sender(v); err != nil {
		return model.Message{}, nil, err
	}
	msg.SenderName = displayName(v)
	if msg.Text, err = requiredString(v, fieldText); err != nil {
		return model.Message{}, nil, err
	}
	if msg.Timestamp, err = timestamp(v, fieldTimestamp); err != nil {
		return model.Message{}, nil, err
	}

	msg.Attachments, dropped = attachments(v)
	return msg, dropped, nil
}

// MapAll maps values in order and leaves out every value that fails.
func MapAll(values []quasijson.Value) []model.Message {
	out := make([]model.Message, 0, len(values))
	for _, v := range values {
		msg, _, err := Map(v)
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func lookup(v quasijson.Value, path ...string) (quasijson.Value, *FieldError) {
	field, ok := v.Lookup(path...)
	if !ok || field.IsNull() {
		return quasijson.Value{}, fieldErr(strings.Join(path, "."), ErrMissingField, "")
	}
	return field, nil
}

// identifier accepts a string or the literal text of a number.
func identifier(v quasijson.Value, path ...string) (string, error) {
	field, fe := lookup(v, path...)
	if fe != nil {
		return "", fe
	}
	if s, ok := field.Str(); ok {
		return s, nil
	}
	if n, ok := field.Number(); ok {
		return n.String(), nil
	}
	return "", fieldErr(strings.Join(path, "."), ErrWrongType, "want string, got "+field.Kind().String())
}

func requiredString(v quasijson.Value, path ...string) (string, error) {
	field, fe := lookup(v, path...)
	if fe != nil {
		return "", fe
	}
	s, ok := field.Str()
	if !ok {
		return "", fieldErr(strings.Join(path, "."), ErrWrongType, "want string, got "+field.Kind().String())
	}
	return s, nil
}

func requiredInt(v quasijson.Value, path ...string) (int64, error) {
	field, fe := lookup(v, path...)
	if fe != nil {
		return 0, fe
	}
	n, ok := field.Int64()
	if !ok {
		return 0, fieldErr(strings.Join(path, "."), ErrWrongType, "want integer, got "+field.Kind().String())
	}
	if n < 0 {
		return 0, fieldErr(strings.Join(path, "."), ErrOutOfRange, strconv.FormatInt(n, 10))
	}
	return n, nil
}

// sender reads "from" either as a plain id or as an object carrying "id".
func sender(v quasijson.Value) (string, error) {
	from, fe := lookup(v, fieldFrom)
	if fe != nil {
		return "", fe
	}
	if from.Kind() == quasijson.KindObject {
		return identifier(v, fieldFrom, fieldID)
	}
	return identifier(v, fieldFrom)
}

func displayName(v quasijson.Value) string {
	for _, path := range [][]string{
		{fieldAuthor, fieldDisplayName},
		{fieldFrom, fieldAuthor, fieldDisplayName},
	} {
		if field, ok := v.Lookup(path...); ok {
			if s, ok := field.Str(); ok {
				return s
			}
		}
	}
	return ""
}

func timestamp(v quasijson.Value, path ...string) (time.Time, error) {
	field, fe := lookup(v, path...)
	if fe != nil {
		return time.Time{}, fe
	}
	name := strings.Join(path, ".")

	switch field.Kind() {
	case quasijson.KindNumber:
		f, ok := field.Float64()
		if !ok {
			n, _ := field.Number()
			return time.Time{}, fieldErr(name, ErrOutOfRange, n.String())
		}
		return epochTime(name, f)
	case quasijson.KindString:
		s, _ := field.Str()
		s = strings.TrimSpace(s)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epochTime(name, f)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fieldErr(name, ErrWrongType, err.Error())
		}
		return t.UTC(), nil
	default:
		return time.Time{}, fieldErr(name, ErrWrongType, "want number or string, got "+field.Kind().String())
	}
}

func epochTime(path string, f float64) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > math.MaxInt64/1e6 {
		return time.Time{}, fieldErr(path, ErrOutOfRange, strconv.FormatFloat(f, 'f', -1, 64))
	}
	if f >= millisThreshold {
		ms := int64(f)
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

func attachments(v quasijson.Value) ([]model.Attachment, []error) {
	list, ok := v.Get(fieldAttachments)
	if !ok || list.IsNull() {
		return nil, nil
	}
	if list.Kind() != quasijson.KindArray {
		return nil, []error{fieldErr(fieldAttachments, ErrWrongType, "want array, got "+list.Kind().String())}
	}

	var out []model.Attachment
	var dropped []error
	for i, item := range list.Items() {
		att, err := attachment(item)
		if err != nil {
			var fe *FieldError
			if errors.As(err, &fe) {
				fe.Path = fmt.Sprintf("%s[%d].%s", fieldAttachments, i, fe.Path)
			}
			dropped = append(dropped, err)
			continue
		}
		out = append(out, att)
	}
	return out, dropped
}

func attachment(v quasijson.Value) (model.Attachment, error) {
	if v.Kind() != quasijson.KindObject {
		return model.Attachment{}, fieldErr("$", ErrWrongType, "want object, got "+v.Kind().String())
	}

	var (
		att model.Attachment
		err error
		n   int64
	)
	if att.ID, err = identifier(v, fieldID); err != nil {
		return model.Attachment{}, err
	}
	if n, err = requiredInt(v, fieldMetadata, fieldWidth); err != nil {
		return model.Attachment{}, err
	}
	att.Metadata.Width = int(n)
	if n, err = requiredInt(v, fieldMetadata, fieldHeight); err != nil {
		return model.Attachment{}, err
	}
	att.Metadata.Height = int(n)
	if att.Metadata.ContentType, err = requiredString(v, fieldMetadata, fieldContentType); err != nil {
		return model.Attachment{}, err
	}
	if att.Size, err = requiredInt(v, fieldSize); err != nil {
		return model.Attachment{}, err
	}
	if att.Name, err = requiredString(v, fieldName); err != nil {
		return model.Attachment{}, err
	}
	if att.Key, err = byteIndex(v, fieldKey); err != nil {
		return model.Attachment{}, err
	}
	if att.Digest, err = byteIndex(v, fieldDigest); err != nil {
		return model.Attachment{}, err
	}
	return att, nil
}

// byteIndex reads an optional byte sequence given either as an ordinal-keyed
// object or as an array. Absent fields map to an empty index.
func byteIndex(v quasijson.Value, name string) (model.ByteIndex, error) {
	field, ok := v.Get(name)
	if !ok {
		field, ok = v.Get(strings.TrimPrefix(name, "_"))
	}
	if !ok || field.IsNull() {
		return model.ByteIndex{}, nil
	}

	switch field.Kind() {
	case quasijson.KindArray:
		items := field.Items()
		out := make(model.ByteIndex, len(items))
		for i, item := range items {
			b, err := byteValue(fmt.Sprintf("%s[%d]", name, i), item)
			if err != nil {
				return nil, err
			}
			out[i] = b
		}
		return out, nil
	case quasijson.KindObject:
		raw := make(map[string]int, field.Len())
		for _, f := range field.Fields() {
			b, err := byteValue(name+"."+f.Key, f.Value)
			if err != nil {
				return nil, err
			}
			raw[f.Key] = b
		}
		out, err := model.ByteIndexFromMap(raw)
		if err != nil {
			return nil, fieldErr(name, ErrWrongType, err.Error())
		}
		return out, nil
	default:
		return nil, fieldErr(name, ErrWrongType, "want object or array, got "+field.Kind().String())
	}
}

func byteValue(path string, v quasijson.Value) (int, error) {
	n, ok := v.Int64()
	if !ok {
		return 0, fieldErr(path, ErrWrongType, "want integer, got "+v.Kind().String())
	}
	if n < 0 || n > 255 {
		return 0, fieldErr(path, ErrOutOfRange, strconv.FormatInt(n, 10))
	}
	return int(n), nil
}
