// Package frame implements the length-delimited message framing used on the
// worker's stdio streams. Each frame is a uvarint length prefix followed by
// exactly that many payload bytes. The payload encoding is opaque here.
package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/workmux/workmux/internal/errors"
)

// MaxFrameSize bounds a single frame payload. A length prefix above this is
// treated as stream corruption rather than an allocation request.
const MaxFrameSize = 16 << 20 // 16MB

// Write writes one framed payload to w. The length prefix and payload are
// issued as a single Write call so a well-behaved pipe never observes a
// prefix without its payload.
func Write(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", errors.ErrFrameTooLarge, len(payload))
	}

	buf := protowire.AppendVarint(make([]byte, 0, len(payload)+binary.MaxVarintLen64), uint64(len(payload)))
	buf = append(buf, payload...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

// Read reads one framed payload from r.
//
// io.EOF is returned untouched only when the stream ends exactly at a frame
// boundary; that is the worker's clean-close signal. An EOF inside a length
// prefix or payload surfaces as io.ErrUnexpectedEOF, which callers must
// treat as corruption.
func Read(r *bufio.Reader) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}

		return nil, fmt.Errorf("read frame length: %w", err)
	}

	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", errors.ErrFrameTooLarge, size)
	}

	payload := make([]byte, size)

	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}

		return nil, fmt.Errorf("read frame payload (%d bytes): %w", size, err)
	}

	return payload, nil
}
