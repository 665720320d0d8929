package chunker

import (
	"encoding/binary"
	"io"
	"os"
)

// MediaInfo holds best-effort container information. Zero values mean the
// container could not be inspected; that is never an error.
type MediaInfo struct {
	Codec    string
	Duration float64 // seconds
}

// UnknownCodec is the sentinel for containers that could not be identified.
const UnknownCodec = "unknown"

// Probe inspects the container format of the file at path. It recognizes
// MP4-family, Matroska/WebM, and AVI containers by their magic bytes and
// extracts the duration from the MP4 movie header when present. Everything
// else yields sentinel values.
func Probe(path string) MediaInfo {
	info := MediaInfo{Codec: UnknownCodec}

	f, err := os.Open(path)
	if err != nil {
		return info
	}
	defer f.Close()

	head := make([]byte, 4096)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return info
	}
	head = head[:n]
	if len(head) < 12 {
		return info
	}

	switch {
	case string(head[4:8]) == "ftyp":
		info.Codec = "mp4"
		if d, ok := mp4Duration(f); ok {
			info.Duration = d
		}
	case binary.BigEndian.Uint32(head[0:4]) == 0x1a45dfa3:
		info.Codec = matroskaDocType(head)
	case string(head[0:4]) == "RIFF" && string(head[8:12]) == "AVI ":
		info.Codec = "avi"
	}

	return info
}

// matroskaDocType distinguishes webm from generic matroska by scanning the
// EBML header for the DocType string. The header is tiny, so a substring scan
// over the first read is good enough.
func matroskaDocType(head []byte) string {
	for i := 0; i+4 <= len(head); i++ {
		if string(head[i:i+4]) == "webm" {
			return "webm"
		}
	}
	return "matroska"
}

// mp4Duration walks the top-level MP4 boxes for moov/mvhd and reads the
// timescale and duration fields. Only version 0 and 1 headers are handled;
// anything malformed aborts and reports no duration.
func mp4Duration(f *os.File) (float64, bool) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, false
	}

	var offset int64
	for {
		size, boxType, headerLen, ok := readBoxHeader(f, offset)
		if !ok {
			return 0, false
		}
		if boxType == "moov" {
			return mvhdDuration(f, offset+headerLen, offset+size)
		}
		if size <= headerLen {
			return 0, false
		}
		offset += size
	}
}

func mvhdDuration(f *os.File, start, end int64) (float64, bool) {
	offset := start
	for offset < end {
		size, boxType, headerLen, ok := readBoxHeader(f, offset)
		if !ok || size <= 0 {
			return 0, false
		}
		if boxType == "mvhd" {
			body := make([]byte, size-headerLen)
			if _, err := f.ReadAt(body, offset+headerLen); err != nil {
				return 0, false
			}
			if len(body) < 1 {
				return 0, false
			}
			version := body[0]
			if version == 0 && len(body) >= 20 {
				timescale := binary.BigEndian.Uint32(body[12:16])
				duration := binary.BigEndian.Uint32(body[16:20])
				if timescale > 0 {
					return float64(duration) / float64(timescale), true
				}
			}
			if version == 1 && len(body) >= 32 {
				timescale := binary.BigEndian.Uint32(body[20:24])
				duration := binary.BigEndian.Uint64(body[24:32])
				if timescale > 0 {
					return float64(duration) / float64(timescale), true
				}
			}
			return 0, false
		}
		offset += size
	}
	return 0, false
}

// readBoxHeader reads one ISO-BMFF box header at offset. Returns the total
// box size, the four-character type, and the header length (8 or 16 for
// 64-bit sizes).
func readBoxHeader(f *os.File, offset int64) (size int64, boxType string, headerLen int64, ok bool) {
	var hdr [8]byte
	if _, err := f.ReadAt(hdr[:], offset); err != nil {
		return 0, "", 0, false
	}
	size32 := binary.BigEndian.Uint32(hdr[0:4])
	boxType = string(hdr[4:8])
	headerLen = 8

	switch size32 {
	case 0:
		// box extends to end of file; nothing sensible to walk past
		return 0, "", 0, false
	case 1:
		var ext [8]byte
		if _, err := f.ReadAt(ext[:], offset+8); err != nil {
			return 0, "", 0, false
		}
		size = int64(binary.BigEndian.Uint64(ext[:]))
		headerLen = 16
	default:
		size = int64(size32)
	}
	if size < headerLen {
		return 0, "", 0, false
	}
	return size, boxType, headerLen, true
}
