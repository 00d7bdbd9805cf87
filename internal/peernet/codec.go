package peernet

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	encodingZstd = "zstd"
	maxBodySize  = 4 << 20
)

var (
	encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
			return enc
		},
	}
	decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBodySize))
			return dec
		},
	}
)

func compress(data []byte) []byte {
	enc := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(enc)
	return enc.EncodeAll(data, nil)
}

func decompress(data []byte) ([]byte, error) {
	dec := decoderPool.Get().(*zstd.Decoder)
	defer decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}

// readMessage reads a possibly compressed message body.
func readMessage(body io.Reader, encoding string) (*Message, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxBodySize {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBodySize)
	}
	switch encoding {
	case "", "identity":
	case encodingZstd:
		if data, err = decompress(data); err != nil {
			return nil, fmt.Errorf("decompress body: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}

// writeMessage writes msg as the response body, zstd-compressed when asked.
func writeMessage(w http.ResponseWriter, status int, msg *Message, zstdBody bool) {
	w.Header().Set("Content-Type", "application/json")
	if !zstdBody {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(msg)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		http.Error(w, fmt.Sprintf("encode message: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Encoding", encodingZstd)
	w.WriteHeader(status)
	_, _ = w.Write(compress(data))
}
