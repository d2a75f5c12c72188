package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"

	"github.com/pkg/errors"
)

const DefaultChunkSize = 1 << 20

var ErrTooLarge = errors.New("stream exceeds size limit")

// Chunker drains document streams in fixed-size chunks.
type Chunker struct {
	chunkSize int64
	maxSize   int64
}

// NewChunker creates a chunker. A maxSize of 0 means no limit.
func NewChunker(chunkSize, maxSize int64) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Chunker{
		chunkSize: chunkSize,
		maxSize:   maxSize,
	}
}

// Result is a fully read stream.
type Result struct {
	Data   []byte
	Hash   string
	Chunks int
}

// ReadAll reads reader to the end one chunk at a time, hashing as it goes.
// sizeHint preallocates the buffer when the length is known.
func (c *Chunker) ReadAll(reader io.Reader, sizeHint int64) (*Result, error) {
	if c.maxSize > 0 && sizeHint > c.maxSize {
		return nil, errors.Wrapf(ErrTooLarge, "declared %d bytes, limit %d", sizeHint, c.maxSize)
	}
	if sizeHint < 0 {
		sizeHint = 0
	}

	data := make([]byte, 0, sizeHint)
	h := sha256.New()
	buffer := make([]byte, c.chunkSize)
	chunks := 0

	for {
		n, err := io.ReadFull(reader, buffer)
		if n > 0 {
			if c.maxSize > 0 && int64(len(data)+n) > c.maxSize {
				return nil, errors.Wrapf(ErrTooLarge, "limit %d", c.maxSize)
			}
			data = append(data, buffer[:n]...)
			h.Write(buffer[:n])
			chunks++
		}

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		} else if err != nil {
			return nil, errors.Wrap(err, "error reading chunk")
		}
	}

	return &Result{Data: data, Hash: digest(h), Chunks: chunks}, nil
}

// ComputeHash computes the SHA-256 hex digest of data.
func ComputeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func digest(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
