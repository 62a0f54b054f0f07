// Package wire turns messages into physical frames and back.
//
// Encoding a message produces one or more frames:
//
//	msg{type, blob: 2 MiB}            (chunk size 512 KiB)
//	  → {type:"__chunk__", transfer_id:T, index:0, total:4, data:…}
//	  → {type:"__chunk__", transfer_id:T, index:1, total:4, data:…}
//	  → {type:"__chunk__", transfer_id:T, index:2, total:4, data:…}
//	  → {type:"__chunk__", transfer_id:T, index:3, total:4, data:…}
//	  → {type, blob: {"__transfer__": T}}
//
// Chunk frames precede the frame that references them. The decoder feeds chunk frames to
// the chunk store and splices the reassembled bytes back into the referencing message; a
// message whose transfers are still incomplete is parked until the last one finishes.
//
// Large message frames are gzip-compressed when the remote accepts gzip:
//
//	{type:"__compressed__", compression:"gzip", data: gzip(encoded message)}
//
// "__transfer__" is reserved: Encode refuses a map whose only key it is. Transfers nobody
// claims and messages that never receive their transfers are dropped after TransferTTL.
package wire

import (
	"encoding/base64"
	"fmt"
	"math"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bx-d/peer-rpc/chunk"
	"github.com/bx-d/peer-rpc/codec"
	"github.com/bx-d/peer-rpc/message"
)

// Reserved frame types and keys.
const (
	FrameChunk      = "__chunk__"
	FrameCompressed = "__compressed__"
	KeyTransfer     = "__transfer__"

	keyTransferID  = "transfer_id"
	keyIndex       = "index"
	keyTotal       = "total"
	keyData        = "data"
	keyCompression = "compression"
)

// DefaultCompressionThreshold is the encoded size above which message frames are gzipped.
const DefaultCompressionThreshold = 64 * 1024

// DefaultTransferTTL bounds how long partial transfers, unclaimed transfers and parked
// messages are kept.
const DefaultTransferTTL = 5 * time.Minute

// DecodeError reports a malformed or unrecognized frame. It is never fatal to a
// connection: the receiver logs it and drops the frame.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode error: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Options configures a Codec.
type Options struct {
	ChunkSize            int           // Binary values larger than this are split; default chunk.DefaultChunkSize
	CompressionThreshold int           // Encoded frames larger than this are gzipped when accepted
	TransferTTL          time.Duration // default DefaultTransferTTL

	// Filter vets every decoded message before it claims or waits for transfers. A
	// non-nil error is returned from Decode unchanged and the message is dropped.
	Filter func(msg message.Message) error

	Logger zerolog.Logger
}

// parked is a decoded message still waiting for some of its transfers.
type parked struct {
	msg     message.Message
	missing map[string]struct{}
	got     map[string][]byte
	at      time.Time
}

// finished is a reassembled transfer no message has claimed yet.
type finished struct {
	data []byte
	at   time.Time
}

// transfer is one binary value cut out of an outgoing message.
type transfer struct {
	id   string
	data []byte
}

// Codec encodes outgoing messages and decodes incoming frames for one connection.
// It owns the connection's chunk store.
type Codec struct {
	chunkSize            int
	compressionThreshold int
	ttl                  time.Duration
	filter               func(msg message.Message) error
	logger               zerolog.Logger
	store                *chunk.Store
	now                  func() time.Time

	mu        sync.Mutex
	completed map[string]finished
	parked    []*parked
}

// New creates a codec with its own chunk store.
func New(opts Options) *Codec {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = chunk.DefaultChunkSize
	}
	if opts.CompressionThreshold <= 0 {
		opts.CompressionThreshold = DefaultCompressionThreshold
	}
	if opts.TransferTTL <= 0 {
		opts.TransferTTL = DefaultTransferTTL
	}
	return &Codec{
		chunkSize:            opts.ChunkSize,
		compressionThreshold: opts.CompressionThreshold,
		ttl:                  opts.TransferTTL,
		filter:               opts.Filter,
		logger:               opts.Logger.With().Str("component", "wire").Logger(),
		store:                chunk.NewStore(opts.Logger),
		now:                  time.Now,
		completed:            make(map[string]finished),
	}
}

// Store exposes the chunk store, mainly for inspection in tests.
func (c *Codec) Store() *chunk.Store {
	return c.store
}

// Encode serializes msg with the richest encoding in accept and returns the frames to
// send, in order.
func (c *Codec) Encode(msg message.Message, accept codec.EncodingSet) ([][]byte, error) {
	return c.EncodeWith(msg, codec.Negotiate(accept), accept.Has(codec.EncodingGzip))
}

// EncodeWith serializes msg with an explicit codec type. Handshake messages use this to
// force the plain representation.
func (c *Codec) EncodeWith(msg message.Message, ct codec.CodecType, compress bool) ([][]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	enc := codec.GetCodec(ct)

	var transfers []transfer
	body, err := c.extract(map[string]any(msg), &transfers)
	if err != nil {
		return nil, err
	}

	frames := make([][]byte, 0, len(transfers)+1)
	for _, tr := range transfers {
		total := int(math.Ceil(float64(len(tr.data)) / float64(c.chunkSize)))
		for idx := 0; idx < total; idx++ {
			start := idx * c.chunkSize
			end := min(start+c.chunkSize, len(tr.data))
			frame, err := enc.Encode(map[string]any{
				message.KeyType: FrameChunk,
				keyTransferID:   tr.id,
				keyIndex:        idx,
				keyTotal:        total,
				keyData:         tr.data[start:end],
			})
			if err != nil {
				return nil, fmt.Errorf("wire: encode chunk %d/%d of %s: %w", idx, total, tr.id, err)
			}
			frames = append(frames, frame)
		}
	}

	encoded, err := enc.Encode(body)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s message: %w", ct.Name(), err)
	}
	if compress && len(encoded) > c.compressionThreshold {
		packed, err := codec.Compress(encoded)
		if err != nil {
			return nil, fmt.Errorf("wire: compress: %w", err)
		}
		encoded, err = enc.Encode(map[string]any{
			message.KeyType: FrameCompressed,
			keyCompression:  codec.EncodingGzip,
			keyData:         packed,
		})
		if err != nil {
			return nil, fmt.Errorf("wire: encode compressed frame: %w", err)
		}
	}
	return append(frames, encoded), nil
}

// extract copies v, replacing every []byte longer than the chunk size by a transfer
// placeholder and recording the cut-out bytes in transfers.
func (c *Codec) extract(v any, transfers *[]transfer) (any, error) {
	switch vv := v.(type) {
	case []byte:
		if len(vv) <= c.chunkSize {
			return vv, nil
		}
		id := uuid.NewString()
		*transfers = append(*transfers, transfer{id: id, data: vv})
		return map[string]any{KeyTransfer: id}, nil
	case message.Message:
		return c.extract(map[string]any(vv), transfers)
	case map[string]any:
		if _, ok := placeholderID(vv); ok {
			return nil, fmt.Errorf("wire: %q is a reserved key", KeyTransfer)
		}
		out := make(map[string]any, len(vv))
		for k, e := range vv {
			x, err := c.extract(e, transfers)
			if err != nil {
				return nil, err
			}
			out[k] = x
		}
		return out, nil
	case []any:
		out := make([]any, len(vv))
		for i, e := range vv {
			x, err := c.extract(e, transfers)
			if err != nil {
				return nil, err
			}
			out[i] = x
		}
		return out, nil
	}
	return v, nil
}

// Decode processes one inbound frame. It returns a nil message without error when the
// frame was a chunk that did not complete a pending message. Any failure other than a
// Filter rejection is a *DecodeError.
func (c *Codec) Decode(frame []byte) (msg message.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg, err = nil, &DecodeError{Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()
	c.sweep()
	return c.decode(frame)
}

func (c *Codec) decode(frame []byte) (message.Message, error) {
	m, err := decodeMap(frame)
	if err != nil {
		return nil, err
	}

	switch typ, _ := m[message.KeyType].(string); typ {
	case "":
		return nil, &DecodeError{Reason: "frame has no type"}
	case FrameChunk:
		return c.decodeChunk(m)
	case FrameCompressed:
		compression, _ := m[keyCompression].(string)
		data, ok := toBytes(m[keyData])
		if !ok {
			return nil, &DecodeError{Reason: "compressed frame without data"}
		}
		inner, err := codec.Decompress(compression, data)
		if err != nil {
			return nil, &DecodeError{Reason: "decompress", Err: err}
		}
		m, err = decodeMap(inner)
		if err != nil {
			return nil, err
		}
		if typ, _ := m[message.KeyType].(string); typ == "" || typ == FrameChunk || typ == FrameCompressed {
			return nil, &DecodeError{Reason: fmt.Sprintf("invalid compressed payload type %q", typ)}
		}
		return c.resolve(message.Message(m))
	default:
		return c.resolve(message.Message(m))
	}
}

func decodeMap(frame []byte) (map[string]any, error) {
	ct, err := codec.Detect(frame)
	if err != nil {
		return nil, &DecodeError{Reason: "unknown encoding", Err: err}
	}
	var m map[string]any
	if err := codec.GetCodec(ct).Decode(frame, &m); err != nil {
		return nil, &DecodeError{Reason: ct.Name() + " frame", Err: err}
	}
	if m == nil {
		return nil, &DecodeError{Reason: "frame is not a map"}
	}
	return m, nil
}

func (c *Codec) decodeChunk(m map[string]any) (message.Message, error) {
	id, _ := m[keyTransferID].(string)
	index, okIdx := toInt(m[keyIndex])
	total, okTotal := toInt(m[keyTotal])
	data, okData := toBytes(m[keyData])
	if id == "" || !okIdx || !okTotal || !okData {
		return nil, &DecodeError{Reason: "malformed chunk header"}
	}
	if total <= 0 || total > chunk.MaxFragments {
		return nil, &DecodeError{Reason: fmt.Sprintf("chunk total %d out of range", total)}
	}

	payload, done := c.store.Put(id, index, total, data)
	if !done {
		return nil, nil
	}
	return c.complete(id, payload), nil
}

// complete hands a reassembled transfer to the message waiting for it, returning that
// message when it has nothing else missing.
func (c *Codec) complete(id string, payload []byte) message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, p := range c.parked {
		if _, ok := p.missing[id]; !ok {
			continue
		}
		delete(p.missing, id)
		p.got[id] = payload
		if len(p.missing) > 0 {
			return nil
		}
		c.parked = append(c.parked[:i], c.parked[i+1:]...)
		return message.Message(splice(map[string]any(p.msg), p.got).(map[string]any))
	}

	c.completed[id] = finished{data: payload, at: c.now()}
	return nil
}

// resolve splices completed transfers into msg or parks it until they arrive.
func (c *Codec) resolve(msg message.Message) (message.Message, error) {
	if c.filter != nil {
		if err := c.filter(msg); err != nil {
			return nil, err
		}
	}
	ids := make(map[string]struct{})
	collect(map[string]any(msg), ids)
	if len(ids) == 0 {
		return msg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p := &parked{msg: msg, missing: make(map[string]struct{}), got: make(map[string][]byte, len(ids)), at: c.now()}
	for id := range ids {
		if done, ok := c.completed[id]; ok {
			p.got[id] = done.data
			delete(c.completed, id)
		} else {
			p.missing[id] = struct{}{}
		}
	}
	if len(p.missing) > 0 {
		c.logger.Debug().Str("type", msg.Type()).Int("missing", len(p.missing)).Msg("parking message until transfers complete")
		c.parked = append(c.parked, p)
		return nil, nil
	}
	return message.Message(splice(map[string]any(msg), p.got).(map[string]any)), nil
}

// Parked returns the number of messages waiting for transfers.
func (c *Codec) Parked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.parked)
}

// Unclaimed returns the number of reassembled transfers no message has referenced yet.
func (c *Codec) Unclaimed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.completed)
}

// Reset abandons every partial transfer and every parked message.
func (c *Codec) Reset() {
	c.store.Reset()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = make(map[string]finished)
	c.parked = nil
}

// sweep drops state older than the transfer TTL.
func (c *Codec) sweep() {
	cutoff := c.now().Add(-c.ttl)
	c.store.Expire(cutoff)

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, done := range c.completed {
		if done.at.Before(cutoff) {
			c.logger.Warn().Str("transfer_id", id).Msg("dropping unclaimed transfer")
			delete(c.completed, id)
		}
	}
	kept := c.parked[:0]
	for _, p := range c.parked {
		if p.at.Before(cutoff) {
			c.logger.Warn().Str("type", p.msg.Type()).Int("missing", len(p.missing)).Msg("dropping message whose transfers never completed")
			continue
		}
		kept = append(kept, p)
	}
	clear(c.parked[len(kept):])
	c.parked = kept
}

func placeholderID(m map[string]any) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	id, ok := m[KeyTransfer].(string)
	return id, ok
}

func collect(v any, ids map[string]struct{}) {
	switch vv := v.(type) {
	case map[string]any:
		if id, ok := placeholderID(vv); ok {
			ids[id] = struct{}{}
			return
		}
		for _, e := range vv {
			collect(e, ids)
		}
	case []any:
		for _, e := range vv {
			collect(e, ids)
		}
	}
}

func splice(v any, got map[string][]byte) any {
	switch vv := v.(type) {
	case map[string]any:
		if id, ok := placeholderID(vv); ok {
			return got[id]
		}
		for k, e := range vv {
			vv[k] = splice(e, got)
		}
		return vv
	case []any:
		for i, e := range vv {
			vv[i] = splice(e, got)
		}
		return vv
	}
	return v
}

// toInt accepts every numeric type the three decoders produce.
func toInt(v any) (int, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := rv.Int()
		if int64(int(n)) != n {
			return 0, false
		}
		return int(n), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt {
			return 0, false
		}
		return int(u), true
	case reflect.Float32, reflect.Float64:
		// Only integral values a float64 represents exactly; NaN and ±Inf fail too.
		f := rv.Float()
		if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
			return 0, false
		}
		return int(f), true
	}
	return 0, false
}

// toBytes accepts raw bytes (compact encodings) or base64 text (JSON).
func toBytes(v any) ([]byte, bool) {
	switch vv := v.(type) {
	case []byte:
		return vv, true
	case string:
		b, err := base64.StdEncoding.DecodeString(vv)
		return b, err == nil
	}
	return nil, false
}
