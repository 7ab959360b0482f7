package protocol

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/zeusync/rtsrep/pkg/generic"
)

// Codec encodes and decodes envelopes. It is safe for concurrent use.
type Codec struct {
	threshold int
	maxSize   int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
	buffers   *generic.Pool[*bytes.Buffer]
}

// NewCodec compresses payloads of at least threshold bytes; a threshold of
// zero disables compression. Messages larger than maxSize are rejected on
// both sides when maxSize is positive.
func NewCodec(threshold, maxSize int) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	opts := []zstd.DOption{zstd.WithDecoderConcurrency(0)}
	if maxSize > 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(uint64(maxSize)))
	}
	dec, err := zstd.NewReader(nil, opts...)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{
		threshold: threshold,
		maxSize:   maxSize,
		enc:       enc,
		dec:       dec,
		buffers:   generic.NewPool(func() *bytes.Buffer { return new(bytes.Buffer) }, (*bytes.Buffer).Reset),
	}, nil
}

// Encode marshals body into an envelope of the given kind.
func (c *Codec) Encode(kind Kind, seq uint64, session string, body any) ([]byte, error) {
	if !kind.Valid() {
		return nil, ErrUnknownKind
	}
	buf := c.buffers.Get()
	defer c.buffers.Put(buf)
	if err := msgpack.NewEncoder(buf).Encode(body); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSerializationFailed, kind, err)
	}
	payload := buf.Bytes()
	env := Envelope{Kind: kind, Seq: seq, Session: session, Payload: payload}
	if c.threshold > 0 && len(payload) >= c.threshold {
		env.Payload = c.enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		env.Compressed = true
	}
	data, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrSerializationFailed, err)
	}
	if c.maxSize > 0 && len(data) > c.maxSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(data), c.maxSize)
	}
	return data, nil
}

// Decode unmarshals an envelope and decompresses its payload.
func (c *Codec) Decode(data []byte) (Envelope, error) {
	var env Envelope
	if c.maxSize > 0 && len(data) > c.maxSize {
		return env, fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(data), c.maxSize)
	}
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: envelope: %v", ErrDeserializationFailed, err)
	}
	if !env.Kind.Valid() {
		return env, fmt.Errorf("%w: %d", ErrUnknownKind, env.Kind)
	}
	if env.Compressed {
		raw, err := c.dec.DecodeAll(env.Payload, nil)
		if err != nil {
			return env, fmt.Errorf("%w: decompress: %v", ErrDeserializationFailed, err)
		}
		env.Payload = raw
		env.Compressed = false
	}
	return env, nil
}

// Body unmarshals env's payload into out after checking its kind.
func (c *Codec) Body(env Envelope, want Kind, out any) error {
	if env.Kind != want {
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedKind, env.Kind, want)
	}
	if err := msgpack.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeserializationFailed, want, err)
	}
	return nil
}

func (c *Codec) EncodeHello(seq uint64, h Hello) ([]byte, error) {
	return c.Encode(KindHello, seq, h.Session, &h)
}

func (c *Codec) EncodeFrame(seq uint64, session string, f Frame) ([]byte, error) {
	return c.Encode(KindFrame, seq, session, &f)
}

func (c *Codec) EncodeBye(seq uint64, session, reason string) ([]byte, error) {
	return c.Encode(KindBye, seq, session, &Bye{Reason: reason})
}

// Close releases the compressor state.
func (c *Codec) Close() error {
	c.dec.Close()
	return c.enc.Close()
}
