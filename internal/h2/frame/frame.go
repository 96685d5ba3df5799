// Package frame reads and writes HTTP/2 frames and encodes header blocks.
package frame

import (
	"io"
	"sync"

	"golang.org/x/net/http2"
)

// DefaultMaxFrameSize is the protocol's initial SETTINGS_MAX_FRAME_SIZE.
const DefaultMaxFrameSize = 16384

// Reader reads frames from a byte stream. Header block fragments are
// returned as-is; assembling HEADERS and CONTINUATION is left to the caller.
//
// Frames returned by ReadFrame are only valid until the next call.
type Reader struct {
	framer *http2.Framer
}

// NewReader returns a reader accepting frames up to maxFrameSize bytes.
func NewReader(r io.Reader, maxFrameSize uint32) *Reader {
	fr := http2.NewFramer(nil, r)
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	fr.SetMaxReadFrameSize(maxFrameSize)
	return &Reader{framer: fr}
}

// ReadFrame reads the next frame. Errors are io errors,
// http2.ErrFrameTooLarge, http2.ConnectionError or http2.StreamError; after a
// StreamError the reader may still be used.
func (r *Reader) ReadFrame() (http2.Frame, error) {
	return r.framer.ReadFrame()
}

// ErrorDetail returns a description of the last connection error, if any.
func (r *Reader) ErrorDetail() error {
	return r.framer.ErrorDetail()
}

// Writer serialises frames onto w. All methods are safe for concurrent use;
// each frame is written atomically.
type Writer struct {
	framer *http2.Framer
	writer io.Writer
	mu     sync.Mutex
}

// NewWriter creates a frame writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		framer: http2.NewFramer(w, nil),
		writer: w,
	}
}

// Lock acquires the writer for a sequence of frames that must not be
// interleaved with others. Use the *Locked methods while holding it.
func (w *Writer) Lock() { w.mu.Lock() }

// Unlock releases the writer.
func (w *Writer) Unlock() { w.mu.Unlock() }

// Flush pushes buffered frames to the peer if the destination buffers.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if flusher, ok := w.writer.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}

// WriteSettings writes a SETTINGS frame.
func (w *Writer) WriteSettings(settings ...http2.Setting) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteSettings(settings...)
}

// WriteSettingsAck writes a SETTINGS acknowledgment frame.
func (w *Writer) WriteSettingsAck() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteSettingsAck()
}

// WriteHeadersLocked writes a header block as one HEADERS frame followed by
// as many CONTINUATION frames as maxFrameSize requires.
func (w *Writer) WriteHeadersLocked(streamID uint32, endStream bool, headerBlock []byte, maxFrameSize uint32) error {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	remaining := headerBlock
	first := true
	for first || len(remaining) > 0 {
		chunkLen := int(maxFrameSize)
		if len(remaining) < chunkLen {
			chunkLen = len(remaining)
		}
		frag := remaining[:chunkLen]
		remaining = remaining[chunkLen:]

		if first {
			if err := w.framer.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      streamID,
				BlockFragment: frag,
				EndStream:     endStream,
				EndHeaders:    len(remaining) == 0,
			}); err != nil {
				return err
			}
			first = false
			continue
		}
		if err := w.framer.WriteContinuation(streamID, len(remaining) == 0, frag); err != nil {
			return err
		}
	}
	return nil
}

// WriteData writes a DATA frame. Empty frames without END_STREAM are skipped.
func (w *Writer) WriteData(streamID uint32, endStream bool, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(data) == 0 && !endStream {
		return nil
	}
	return w.framer.WriteData(streamID, endStream, data)
}

// WriteWindowUpdate writes a WINDOW_UPDATE frame.
func (w *Writer) WriteWindowUpdate(streamID uint32, increment uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteWindowUpdate(streamID, increment)
}

// WriteRSTStream writes a RST_STREAM frame.
func (w *Writer) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteRSTStream(streamID, code)
}

// WriteGoAway writes a GOAWAY frame.
func (w *Writer) WriteGoAway(lastStreamID uint32, code http2.ErrCode, debugData []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteGoAway(lastStreamID, code, debugData)
}

// WritePing writes a PING frame.
func (w *Writer) WritePing(ack bool, data [8]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WritePing(ack, data)
}
