package audio

import "testing"

func TestNewFramerInvalidSize(t *testing.T) {
	if _, err := NewFramer(0); err == nil {
		t.Error("Expected error for zero frame size")
	}
}

func TestFramerEmitsFixedFrames(t *testing.T) {
	framer, err := NewFramer(4)
	if err != nil {
		t.Fatalf("NewFramer failed: %v", err)
	}

	var frames [][]float32
	emit := func(frame []float32) { frames = append(frames, frame) }

	framer.Write([]float32{1, 2, 3}, emit)
	if len(frames) != 0 {
		t.Fatalf("Expected no frames yet, got %d", len(frames))
	}

	framer.Write([]float32{4, 5, 6, 7, 8, 9}, emit)
	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}

	want := [][]float32{{1, 2, 3, 4}, {5, 6, 7, 8}}
	for i := range want {
		for j := range want[i] {
			if frames[i][j] != want[i][j] {
				t.Errorf("Frame %d sample %d: expected %f, got %f", i, j, want[i][j], frames[i][j])
			}
		}
	}

	stats := framer.GetStats()
	if stats.FramesEmitted != 2 || stats.Pending != 1 || stats.SamplesWritten != 9 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestFramerFramesAreIndependent(t *testing.T) {
	framer, _ := NewFramer(2)

	var frames [][]float32
	framer.Write([]float32{1, 2, 3, 4}, func(frame []float32) { frames = append(frames, frame) })

	frames[0][0] = 99
	if frames[1][0] != 3 {
		t.Error("Frames must not share backing storage")
	}
}

func TestFramerReset(t *testing.T) {
	framer, _ := NewFramer(4)
	framer.Write([]float32{1, 2}, func([]float32) {})
	framer.Reset()

	if framer.GetStats().Pending != 0 {
		t.Error("Expected pending samples to be dropped")
	}
}
