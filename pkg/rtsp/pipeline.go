package rtsp

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	"github.com/pion/logging"
	"github.com/pion/rtp"

	"github.com/harshabose/hermes/pkg/h264"
)

const (
	h264PayloadType = 96
	h264ClockRate   = 90000
)

func newVideoDescription() (*description.Session, *format.H264) {
	forma := &format.H264{
		PayloadTyp:        h264PayloadType,
		PacketizationMode: 1,
	}

	return &description.Session{
		Medias: []*description.Media{{
			Type:    description.MediaTypeVideo,
			Formats: []format.Format{forma},
		}},
	}, forma
}

func newVideoStream(server *gortsplib.Server) (*gortsplib.ServerStream, *format.H264, error) {
	desc, forma := newVideoDescription()

	stream := &gortsplib.ServerStream{Server: server, Desc: desc}
	if err := stream.Initialize(); err != nil {
		return nil, nil, fmt.Errorf("initialise stream: %w", err)
	}

	return stream, forma, nil
}

// rtpTimestamp converts a pipeline timestamp to 90 kHz ticks. The pts is
// first snapped to its frame index so frame k of any session lands exactly
// on k*90000/fps, however far the truncated frame duration has drifted.
func rtpTimestamp(base uint32, pts time.Duration, fps int) uint32 {
	d := int64(time.Second) / int64(fps)
	index := (int64(pts) + d/2) / d
	return base + uint32(index*h264ClockRate/int64(fps))
}

// streamSink is the transport side of a session: buffers go to the encoder,
// access units come back, get packetised by rtph264 and written to the
// session's own stream.
type streamSink struct {
	stream  *gortsplib.ServerStream
	media   *description.Media
	forma   *format.H264
	encoder h264.Encoder
	rtpEnc  *rtph264.Encoder
	tsBase  uint32
	fps     int
	log     logging.LeveledLogger

	keyFrames uint64
	written   uint64
	bytes     uint64
	mux       sync.Mutex

	wg   sync.WaitGroup
	once sync.Once
}

func newStreamSink(stream *gortsplib.ServerStream, forma *format.H264, encoder h264.Encoder, fps int, log logging.LeveledLogger) (*streamSink, error) {
	rtpEnc, err := forma.CreateEncoder()
	if err != nil {
		return nil, fmt.Errorf("create rtp encoder: %w", err)
	}

	s := &streamSink{
		stream:  stream,
		media:   stream.Desc.Medias[0],
		forma:   forma,
		encoder: encoder,
		rtpEnc:  rtpEnc,
		tsBase:  rand.Uint32(),
		fps:     fps,
		log:     log,
	}

	s.wg.Add(1)
	go s.drain()

	return s, nil
}

func (s *streamSink) Push(buf MediaBuffer) error {
	return s.encoder.Encode(buf.Frame, buf.PTS)
}

func (s *streamSink) drain() {
	defer s.wg.Done()

	for au := range s.encoder.AccessUnits() {
		pkts, err := s.rtpEnc.Encode(au.NALUs)
		if err != nil {
			s.log.Warnf("packetising access unit at %v: %v", au.PTS, err)
			continue
		}

		size := stamp(pkts, rtpTimestamp(s.tsBase, au.PTS, s.fps))
		for _, pkt := range pkts {
			if err := s.stream.WritePacketRTP(s.media, pkt); err != nil {
				s.log.Warnf("writing rtp packet: %v", err)
				break
			}
		}

		s.mux.Lock()
		s.written++
		s.bytes += uint64(size)
		if au.KeyFrame {
			s.keyFrames++
		}
		s.mux.Unlock()
	}
}

// stamp puts every packet of one access unit on ts and returns their size
// on the wire.
func stamp(pkts []*rtp.Packet, ts uint32) int {
	size := 0
	for _, pkt := range pkts {
		pkt.Timestamp = ts
		size += pkt.MarshalSize()
	}
	return size
}

func (s *streamSink) counts() (written, keyFrames, bytes uint64) {
	s.mux.Lock()
	defer s.mux.Unlock()

	return s.written, s.keyFrames, s.bytes
}

// Close stops the encoder and waits for the last access units to drain.
// The stream itself belongs to the session and is closed by the server.
func (s *streamSink) Close() error {
	var err error

	s.once.Do(func() {
		err = s.encoder.Close()
		s.wg.Wait()
	})

	return err
}
