package uiapp

import (
	"encoding/binary"
	"time"

	"github.com/tempest-emu/gbcore/internal/machine"
)

// sinkStream implements io.Reader by pulling interleaved float32 stereo
// batches from a machine.Machine's audio sink and converting them to
// 16-bit little-endian stereo frames, the format ebiten's audio.Player
// expects. Any batch left over from a previous Read that didn't fit is held
// in leftover until the next call.
type sinkStream struct {
	m        *machine.Machine
	leftover []float32
}

func (s *sinkStream) Read(p []byte) (int, error) {
	if len(p) < 4 {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	i := 0
	writeFrame := func(l, r float32) {
		binary.LittleEndian.PutUint16(p[i:], uint16(int16(clampSample(l)*32767)))
		binary.LittleEndian.PutUint16(p[i+2:], uint16(int16(clampSample(r)*32767)))
		i += 4
	}

	for i+3 < len(p) && len(s.leftover) >= 2 {
		writeFrame(s.leftover[0], s.leftover[1])
		s.leftover = s.leftover[2:]
	}

	deadline := time.Now().Add(8 * time.Millisecond)
	for i+3 < len(p) {
		select {
		case batch := <-s.m.AudioSink():
			j := 0
			for ; j+1 < len(batch) && i+3 < len(p); j += 2 {
				writeFrame(batch[j], batch[j+1])
			}
			if j < len(batch) {
				s.leftover = append(s.leftover, batch[j:]...)
			}
		default:
			if time.Now().After(deadline) {
				for i+3 < len(p) {
					binary.LittleEndian.PutUint16(p[i:], 0)
					binary.LittleEndian.PutUint16(p[i+2:], 0)
					i += 4
				}
				return i, nil
			}
			time.Sleep(time.Millisecond)
		}
	}
	return i, nil
}

func clampSample(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
