package model

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Message is one message recovered from a poller dump.
type Message struct {
	ID          string       `json:"message_id"`
	Type        string       `json:"type"`
	SenderID    string       `json:"sender_id"`
	SenderName  string       `json:"sender_name"`
	Text        string       `json:"text"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment describes one file attached to a message.
type Attachment struct {
	ID       string             `json:"attachment_id"`
	Metadata AttachmentMetadata `json:"metadata"`
	Size     int64              `json:"size"`
	Name     string             `json:"attachment_name"`
	Key      ByteIndex          `json:"key"`
	Digest   ByteIndex          `json:"digest"`
}

type AttachmentMetadata struct {
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	ContentType string `json:"content_type"`
}

// ByteIndex is a byte sequence that the dump renders as an object keyed by
// ordinal position ({"0": 12, "1": 7, ...}). It is encoded the same way, in
// ordinal order.
type ByteIndex []int

func (b ByteIndex) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, 2+len(b)*8)
	buf = append(buf, '{')
	for i, v := range b {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '"')
		buf = strconv.AppendInt(buf, int64(i), 10)
		buf = append(buf, '"', ':')
		buf = strconv.AppendInt(buf, int64(v), 10)
	}
	return append(buf, '}'), nil
}

func (b *ByteIndex) UnmarshalJSON(data []byte) error {
	var raw map[string]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out, err := ByteIndexFromMap(raw)
	if err != nil {
		return err
	}
	*b = out
	return nil
}

// ByteIndexFromMap orders an ordinal-keyed map. Keys must be exactly 0..n-1.
func ByteIndexFromMap(m map[string]int) (ByteIndex, error) {
	keys := make([]int, 0, len(m))
	for k := range m {
		n, err := strconv.Atoi(k)
		if err != nil || n < 0 || strconv.Itoa(n) != k {
			return nil, fmt.Errorf("byte index key %q is not an ordinal", k)
		}
		keys = append(keys, n)
	}
	sort.Ints(keys)

	out := make(ByteIndex, len(keys))
	for i, n := range keys {
		if n != i {
			return nil, fmt.Errorf("byte index missing ordinal %d", i)
		}
		out[i] = m[strconv.Itoa(n)]
	}
	return out, nil
}

// Fingerprint is a stable digest of the message's JSON form.
func (m Message) Fingerprint() string {
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Envelope wraps a message alongside an optional error encountered while recovering it.
type Envelope struct {
	Message Message
	Err     error
}
