package simtime

import "time"

// DefaultFrameDuration is the length of one simulation frame (30 frames/s).
const DefaultFrameDuration = time.Second / 30

// Range is an inclusive range of simulation frame numbers. It is empty
// when First > Last.
type Range struct {
	First uint32
	Last  uint32
}

// Len reports how many frames the range covers.
func (r Range) Len() int {
	if r.First > r.Last {
		return 0
	}
	return int(r.Last-r.First) + 1
}

// Frames lists every frame number in the range in ascending order.
func (r Range) Frames() []uint32 {
	if r.Len() == 0 {
		return nil
	}
	out := make([]uint32, 0, r.Len())
	for f := r.First; ; f++ {
		out = append(out, f)
		if f == r.Last {
			return out
		}
	}
}

// Time tracks how far wall-clock time has moved ahead of the fixed-step
// simulation. Time is not safe for concurrent use; one tick loop owns it.
type Time struct {
	frameNumber uint32
	elapsed     time.Duration
	perFrame    time.Duration
	frameLag    uint32
}

// New returns a Time stepping perFrame per simulation frame. A non-positive
// perFrame selects DefaultFrameDuration. The initial lag of one schedules
// frame zero on the first tick.
func New(perFrame time.Duration) *Time {
	if perFrame <= 0 {
		perFrame = DefaultFrameDuration
	}
	return &Time{perFrame: perFrame, frameLag: 1}
}

// Update folds one wall-clock delta into the accumulator and advances
// whole simulation frames. Afterwards elapsed is less than one frame.
func (t *Time) Update(delta time.Duration) {
	if delta > 0 {
		t.elapsed += delta
	}
	t.frameLag = 0
	for t.elapsed >= t.perFrame {
		t.elapsed -= t.perFrame
		t.frameNumber++
		t.frameLag++
	}
}

// FramesToRun returns the frames that must be simulated this tick.
func (t *Time) FramesToRun() Range {
	if t.frameLag == 0 {
		return Range{First: 1, Last: 0}
	}
	first := int64(t.frameNumber) + 1 - int64(t.frameLag)
	if first < 0 {
		first = 0
	}
	return Range{First: uint32(first), Last: t.frameNumber}
}

// SetFrameNumber aligns the local frame counter, e.g. to a server turn.
func (t *Time) SetFrameNumber(n uint32) { t.frameNumber = n }

func (t *Time) FrameNumber() uint32 { return t.frameNumber }

func (t *Time) Elapsed() time.Duration { return t.elapsed }

func (t *Time) PerFrame() time.Duration { return t.perFrame }

func (t *Time) FrameLag() uint32 { return t.frameLag }
