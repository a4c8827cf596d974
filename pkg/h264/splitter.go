// Package h264 binds the relay to an external H.264 encoder and turns its
// Annex-B byte stream into access units.
package h264

import (
	"bytes"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// Splitter accumulates an Annex-B byte stream and cuts it into access units
// at access unit delimiters. NAL units are returned without start codes;
// delimiters themselves are dropped.
//
// A NAL unit is only known to be complete once the next start code shows up,
// so an access unit is released when the delimiter of the following one
// arrives.
type Splitter struct {
	buf     []byte
	pending [][]byte
}

func nextStartCode(b []byte, from int) (pos, size int) {
	for i := from; i+2 < len(b); i++ {
		if b[i] != 0 || b[i+1] != 0 {
			continue
		}
		if b[i+2] == 1 {
			return i, 3
		}
		if i+3 < len(b) && b[i+2] == 0 && b[i+3] == 1 {
			return i, 4
		}
	}
	return -1, 0
}

// Write appends data and returns every access unit it completes.
func (s *Splitter) Write(data []byte) [][][]byte {
	s.buf = append(s.buf, data...)

	var aus [][][]byte

	start, size := nextStartCode(s.buf, 0)
	if start < 0 {
		return nil
	}

	for {
		next, nextSize := nextStartCode(s.buf, start+size)
		if next < 0 {
			break
		}

		if au := s.push(s.buf[start+size : next]); au != nil {
			aus = append(aus, au)
		}
		start, size = next, nextSize
	}

	// keep the incomplete tail, starting at its start code
	s.buf = append(s.buf[:0], s.buf[start:]...)

	return aus
}

// Flush returns whatever is buffered as a final access unit.
func (s *Splitter) Flush() [][]byte {
	start, size := nextStartCode(s.buf, 0)
	if start >= 0 {
		if au := s.push(s.buf[start+size:]); au != nil {
			s.buf = s.buf[:0]
			return au
		}
	}
	s.buf = s.buf[:0]

	au := s.pending
	s.pending = nil
	return au
}

func (s *Splitter) push(nalu []byte) [][]byte {
	nalu = bytes.TrimRight(nalu, "\x00")
	if len(nalu) == 0 {
		return nil
	}

	if mch264.NALUType(nalu[0]&0x1F) == mch264.NALUTypeAccessUnitDelimiter {
		au := s.pending
		s.pending = nil
		if len(au) == 0 {
			return nil
		}
		return au
	}

	s.pending = append(s.pending, append([]byte(nil), nalu...))
	return nil
}

// IsKeyFrame reports whether au can be decoded on its own.
func IsKeyFrame(au [][]byte) bool {
	return mch264.IsRandomAccess(au)
}
