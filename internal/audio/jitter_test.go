package audio

import "testing"

func packet(b byte) []byte {
	return []byte{b, 0}
}

func TestJitterBufferInOrder(t *testing.T) {
	jb := NewJitterBuffer(5)

	for seq := uint32(10); seq < 13; seq++ {
		ready, err := jb.Push(seq, packet(byte(seq)))
		if err != nil {
			t.Fatalf("Push failed: %v", err)
		}
		if len(ready) != 1 || ready[0][0] != byte(seq) {
			t.Fatalf("Expected packet %d released, got %v", seq, ready)
		}
	}
}

func TestJitterBufferReorders(t *testing.T) {
	jb := NewJitterBuffer(5)

	jb.Push(1, packet(1))
	ready, _ := jb.Push(3, packet(3))
	if len(ready) != 0 {
		t.Fatalf("Expected packet 3 to be held, got %d released", len(ready))
	}

	ready, _ = jb.Push(2, packet(2))
	if len(ready) != 2 || ready[0][0] != 2 || ready[1][0] != 3 {
		t.Fatalf("Expected packets 2,3 released in order, got %v", ready)
	}
}

func TestJitterBufferSkipsWideGap(t *testing.T) {
	jb := NewJitterBuffer(3)

	jb.Push(1, packet(1))
	jb.Push(4, packet(4))
	ready, _ := jb.Push(10, packet(10))

	// Gap 2..9 exceeds maxGap, so 2,3 are lost and 4 is released; 5..9 are lost and 10 released
	if len(ready) != 2 || ready[0][0] != 4 || ready[1][0] != 10 {
		t.Fatalf("Expected packets 4,10 released, got %v", ready)
	}

	stats := jb.GetStats()
	if stats.LostPackets != 7 {
		t.Errorf("Expected 7 lost packets, got %d", stats.LostPackets)
	}
	if stats.Pending != 0 {
		t.Errorf("Expected no pending packets, got %d", stats.Pending)
	}
}

func TestJitterBufferRejects(t *testing.T) {
	jb := NewJitterBuffer(5)
	jb.Push(5, packet(5))

	if _, err := jb.Push(4, packet(4)); err == nil {
		t.Error("Expected error for old packet")
	}
	if _, err := jb.Push(6, []byte{1}); err == nil {
		t.Error("Expected error for odd-length payload")
	}

	if jb.GetStats().Dropped != 2 {
		t.Errorf("Expected 2 dropped packets, got %d", jb.GetStats().Dropped)
	}
}
