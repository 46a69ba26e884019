package sources

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// AVIHeader is the part of the AVI main header needed to rebuild frame timestamps
type AVIHeader struct {
	MicroSecPerFrame uint32
	// TotalFrames counts the frames of the whole file. For OpenDML files
	// larger than 1 GiB it comes from the odml dmlh chunk, since avih only
	// counts the first RIFF segment.
	TotalFrames uint32
	Width       uint32
	Height      uint32
	OpenDML     bool
}

// FrameRate returns frames per second
func (h AVIHeader) FrameRate() float64 {
	if h.MicroSecPerFrame == 0 {
		return 0
	}
	return 1e6 / float64(h.MicroSecPerFrame)
}

// maxHeaderList bounds the hdrl list read into memory. Real headers are a
// few kilobytes plus padding.
const maxHeaderList = 4 << 20

var errNoMainHeader = errors.New("avih chunk not found")

// ReadAVIHeader reads the avih chunk from the hdrl list of an AVI file
func ReadAVIHeader(path string) (AVIHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return AVIHeader{}, fileError(path, err)
	}
	defer f.Close()

	h, err := readAVIHeader(f)
	if err != nil {
		return AVIHeader{}, fileError(path, err)
	}
	return h, nil
}

func readAVIHeader(r io.ReadSeeker) (AVIHeader, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return AVIHeader{}, fmt.Errorf("read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "AVI " {
		return AVIHeader{}, fmt.Errorf("not an AVI file")
	}

	var chunk [12]byte
	for {
		if _, err := io.ReadFull(r, chunk[:8]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return AVIHeader{}, errNoMainHeader
			}
			return AVIHeader{}, err
		}
		id := string(chunk[0:4])
		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))

		if id != "LIST" {
			if _, err := r.Seek(size+size&1, io.SeekCurrent); err != nil {
				return AVIHeader{}, err
			}
			continue
		}
		if size < 4 {
			return AVIHeader{}, fmt.Errorf("LIST chunk of %d bytes", size)
		}
		if _, err := io.ReadFull(r, chunk[8:12]); err != nil {
			return AVIHeader{}, fmt.Errorf("read list type: %w", err)
		}
		if string(chunk[8:12]) != "hdrl" {
			if _, err := r.Seek(size-4+size&1, io.SeekCurrent); err != nil {
				return AVIHeader{}, err
			}
			continue
		}

		if size-4 > maxHeaderList {
			return AVIHeader{}, fmt.Errorf("hdrl list of %d bytes exceeds %d", size-4, maxHeaderList)
		}
		body := make([]byte, size-4)
		if _, err := io.ReadFull(r, body); err != nil {
			return AVIHeader{}, fmt.Errorf("read hdrl: %w", err)
		}
		return parseHeaderList(body)
	}
}

// parseHeaderList reads avih and the optional odml/dmlh frame count from
// the body of the hdrl list
func parseHeaderList(body []byte) (AVIHeader, error) {
	var (
		h       AVIHeader
		hasMain bool
	)
	err := walkChunks(body, func(id string, data []byte) error {
		switch id {
		case "avih":
			if len(data) < 40 {
				return fmt.Errorf("avih chunk too short: %d bytes", len(data))
			}
			h.MicroSecPerFrame = binary.LittleEndian.Uint32(data[0:4])
			h.Width = binary.LittleEndian.Uint32(data[32:36])
			h.Height = binary.LittleEndian.Uint32(data[36:40])
			if !h.OpenDML {
				h.TotalFrames = binary.LittleEndian.Uint32(data[16:20])
			}
			hasMain = true
		case "LIST":
			if len(data) < 4 || string(data[0:4]) != "odml" {
				return nil
			}
			return walkChunks(data[4:], func(id string, data []byte) error {
				if id != "dmlh" {
					return nil
				}
				if len(data) < 4 {
					return fmt.Errorf("dmlh chunk too short: %d bytes", len(data))
				}
				h.TotalFrames = binary.LittleEndian.Uint32(data[0:4])
				h.OpenDML = true
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return AVIHeader{}, err
	}
	if !hasMain {
		return AVIHeader{}, errNoMainHeader
	}
	return h, nil
}

// walkChunks calls fn for every RIFF chunk in b. A chunk claiming more
// bytes than remain is an error.
func walkChunks(b []byte, fn func(id string, data []byte) error) error {
	for len(b) >= 8 {
		id := string(b[0:4])
		size := int(binary.LittleEndian.Uint32(b[4:8]))
		b = b[8:]
		if size > len(b) {
			return fmt.Errorf("%s chunk of %d bytes overruns its list by %d", id, size, size-len(b))
		}
		if err := fn(id, b[:size]); err != nil {
			return err
		}
		b = b[min(size+size&1, len(b)):]
	}
	return nil
}

// VideoTimestamps rebuilds frame timestamps of one or more consecutive AVI
// files from their headers. Each file continues where the previous one ended.
type VideoTimestamps struct {
	Paths []string
	// Rate overrides the header frame rate when positive.
	Rate float64
	Stub int
}

// Timestamps implements stream.TimestampSource
func (v VideoTimestamps) Timestamps(ctx context.Context) ([]float64, error) {
	var out []float64
	offset := 0.0
	for _, path := range v.Paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h, err := ReadAVIHeader(path)
		if err != nil {
			return nil, err
		}
		rate := h.FrameRate()
		if v.Rate > 0 {
			rate = v.Rate
		}
		if rate <= 0 {
			return nil, fileError(path, fmt.Errorf("frame rate unknown"))
		}
		for i := 0; i < int(h.TotalFrames); i++ {
			out = append(out, offset+float64(i)/rate)
		}
		offset += float64(h.TotalFrames) / rate
	}
	if out == nil {
		out = []float64{}
	}
	return stub(out, v.Stub), nil
}
