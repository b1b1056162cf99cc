package frame

import (
	"io"
	"sync"
)

// RecordingReader wraps a reader and retains a bounded prefix of everything
// read since the last Reset. When the stream turns out to be garbage, the
// recorded bytes are the only evidence of what the worker actually sent.
type RecordingReader struct {
	r io.Reader

	mu       sync.Mutex
	recorded []byte
	limit    int
}

// NewRecordingReader wraps r, retaining at most limit bytes per recording
// window.
func NewRecordingReader(r io.Reader, limit int) *RecordingReader {
	return &RecordingReader{r: r, limit: limit}
}

// Read implements io.Reader.
func (r *RecordingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)

	if n > 0 {
		r.mu.Lock()

		if room := r.limit - len(r.recorded); room > 0 {
			if room > n {
				room = n
			}

			r.recorded = append(r.recorded, p[:room]...)
		}

		r.mu.Unlock()
	}

	return n, err
}

// Reset discards the recorded prefix and starts a new recording window.
func (r *RecordingReader) Reset() {
	r.mu.Lock()
	r.recorded = r.recorded[:0]
	r.mu.Unlock()
}

// Recorded returns a copy of the bytes read since the last Reset, capped at
// the configured limit.
func (r *RecordingReader) Recorded() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]byte, len(r.recorded))
	copy(out, r.recorded)

	return out
}
