// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package wireproto implements the line-oriented, big-endian-text framing
// spoken between the server and a filter worker.
//
// Primitives:
//
//   - Item (string or blob): a decimal length on its own line, then exactly
//     that many bytes, then a single newline terminator that is consumed
//     and discarded. A "null" item is a single blank line.
//   - Array of items: zero or more items followed by one null item as
//     terminator.
//   - Dict: an array of keys followed by an array of values of equal length.
//   - Boolean: the item "true" or "false".
//   - Tag: a newline-terminated ASCII token identifying a message type.
//
// Reads are never interleaved (each worker is driven by exactly one server
// goroutine). Writes from the server side are serialized against each other
// with a mutex, since the worker may be logged about or stat'd concurrently
// with the owning goroutine reading its output.
package wireproto

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrShortRead is returned when fewer bytes than the declared item length
// were available before EOF -- a fatal framing error, never recoverable.
var ErrShortRead = errors.New("wireproto: short read")

// ErrEOF signals end-of-stream while reading an item or a tag. Callers
// translate it into whatever drop/fatal handling applies to their phase
// of the protocol.
var ErrEOF = errors.New("wireproto: end of stream")

// Reader decodes items, arrays, dicts, booleans and tags from a filter
// worker's output stream. A Reader is owned by exactly one goroutine.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// readLine reads a line and strips its trailing newline (and, for
// Windows-style streams, a trailing carriage return). Returns ErrEOF if no
// bytes at all were read before encountering EOF.
func (d *Reader) readLine() (string, error) {
	line, err := d.r.ReadString('\n')
	if err != nil {
		if len(line) == 0 {
			return "", ErrEOF
		}
		if !errors.Is(err, io.EOF) {
			return "", err
		}
	}
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

// ReadTag reads a newline-terminated ASCII token identifying a message
// type. An empty tag is itself meaningful to callers.
func (d *Reader) ReadTag() (string, error) {
	tag, err := d.readLine()
	if err != nil {
		return "", err
	}
	return tag, nil
}

// ReadItem reads a string/blob item. ok is false if the item was encoded as
// null (a blank length line).
func (d *Reader) ReadItem() (data []byte, ok bool, err error) {
	sizeLine, err := d.readLine()
	if err != nil {
		return nil, false, err
	}
	if sizeLine == "" {
		return nil, false, nil
	}
	var size int
	if _, err := fmt.Sscanf(sizeLine, "%d", &size); err != nil {
		return nil, false, fmt.Errorf("wireproto: bad item length %q: %w", sizeLine, err)
	}
	if size < 0 {
		return nil, false, fmt.Errorf("wireproto: negative item length %d", size)
	}
	buf := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(d.r, buf); err != nil {
			return nil, false, ErrShortRead
		}
	}
	// Swallow trailing newline terminator.
	if _, err := d.r.ReadByte(); err != nil {
		return nil, false, ErrShortRead
	}
	return buf, true, nil
}

// ReadArray reads items until a null item terminates the array.
func (d *Reader) ReadArray() ([][]byte, error) {
	var out [][]byte
	for {
		item, ok, err := d.ReadItem()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, item)
	}
}

// ReadStringArray is ReadArray with each element decoded as a string.
func (d *Reader) ReadStringArray() ([]string, error) {
	items, err := d.ReadArray()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = string(it)
	}
	return out, nil
}

// ReadBool reads a boolean item ("true"/"false").
func (d *Reader) ReadBool() (bool, error) {
	item, ok, err := d.ReadItem()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("wireproto: expected bool, got null item")
	}
	switch string(item) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("wireproto: invalid bool item %q", item)
	}
}

// ReadDict reads an array of keys followed by an array of values of equal
// length, returning a map.
func (d *Reader) ReadDict() (map[string]string, error) {
	keys, err := d.ReadStringArray()
	if err != nil {
		return nil, err
	}
	values, err := d.ReadStringArray()
	if err != nil {
		return nil, err
	}
	if len(keys) != len(values) {
		return nil, fmt.Errorf("wireproto: dict key/value length mismatch (%d vs %d)", len(keys), len(values))
	}
	dict := make(map[string]string, len(keys))
	for i, k := range keys {
		dict[k] = values[i]
	}
	return dict, nil
}

// Writer encodes items, arrays, booleans, dicts and the start message to a
// filter worker's input stream. All methods are safe for concurrent use --
// the server may send log/stat traffic from a different goroutine than the
// one driving reads.
type Writer struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (e *Writer) writeItemLocked(data []byte, present bool) error {
	if !present {
		_, err := e.w.WriteString("\n")
		return err
	}
	if _, err := fmt.Fprintf(e.w, "%d\n", len(data)); err != nil {
		return err
	}
	if _, err := e.w.Write(data); err != nil {
		return err
	}
	_, err := e.w.WriteString("\n")
	return err
}

// WriteItem sends a single string/blob item.
func (e *Writer) WriteItem(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.writeItemLocked(data, true); err != nil {
		return err
	}
	return e.w.Flush()
}

// WriteNullItem sends the null item (a blank line).
func (e *Writer) WriteNullItem() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.writeItemLocked(nil, false); err != nil {
		return err
	}
	return e.w.Flush()
}

// WriteArray sends a sequence of items terminated by a null item.
func (e *Writer) WriteArray(items [][]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, it := range items {
		if err := e.writeItemLocked(it, true); err != nil {
			return err
		}
	}
	if err := e.writeItemLocked(nil, false); err != nil {
		return err
	}
	return e.w.Flush()
}

// WriteStringArray is WriteArray over strings.
func (e *Writer) WriteStringArray(items []string) error {
	byteItems := make([][]byte, len(items))
	for i, s := range items {
		byteItems[i] = []byte(s)
	}
	return e.WriteArray(byteItems)
}

// WriteBool sends a boolean item.
func (e *Writer) WriteBool(v bool) error {
	if v {
		return e.WriteItem([]byte("true"))
	}
	return e.WriteItem([]byte("false"))
}

// WriteDict sends a dict as an array of keys followed by an array of
// values, in the iteration order of keys.
func (e *Writer) WriteDict(keys []string, values []string) error {
	if len(keys) != len(values) {
		return fmt.Errorf("wireproto: dict key/value length mismatch (%d vs %d)", len(keys), len(values))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range keys {
		if err := e.writeItemLocked([]byte(k), true); err != nil {
			return err
		}
	}
	if err := e.writeItemLocked(nil, false); err != nil {
		return err
	}
	for _, v := range values {
		if err := e.writeItemLocked([]byte(v), true); err != nil {
			return err
		}
	}
	if err := e.writeItemLocked(nil, false); err != nil {
		return err
	}
	return e.w.Flush()
}

// WriteDictMap sends a Go map as a dict. Key order is not significant on
// the wire (the reader pairs positionally within this one call), so any
// consistent ordering of the same map works.
func (e *Writer) WriteDictMap(m map[string]string) error {
	keys := make([]string, 0, len(m))
	values := make([]string, 0, len(m))
	for k, v := range m {
		keys = append(keys, k)
		values = append(values, v)
	}
	return e.WriteDict(keys, values)
}

// WriteStart sends the protocol handshake: version, filter name, argument
// array, and the blob item.
func (e *Writer) WriteStart(version int, name string, args []string, blob []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.writeItemLocked([]byte(fmt.Sprintf("%d", version)), true); err != nil {
		return err
	}
	if err := e.writeItemLocked([]byte(name), true); err != nil {
		return err
	}
	for _, a := range args {
		if err := e.writeItemLocked([]byte(a), true); err != nil {
			return err
		}
	}
	if err := e.writeItemLocked(nil, false); err != nil {
		return err
	}
	if err := e.writeItemLocked(blob, true); err != nil {
		return err
	}
	return e.w.Flush()
}

// ProtocolVersion is the only wire protocol version this engine speaks;
// workers must reject any other version.
const ProtocolVersion = 1
