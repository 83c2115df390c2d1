package voice

import (
	"testing"
)

func fixedConfig() JitterConfig {
	return JitterConfig{MinBufferMs: 60, MaxBufferMs: 200, Adaptive: false}
}

func audioPacket(seq uint16) Packet {
	return NewAudioPacket(seq, uint32(seq)*TicksPerFrame, 0xCAFE, []byte{0xAB, 0xCD})
}

func TestJitterBufferInOrder(t *testing.T) {
	buffer := NewJitterBuffer(fixedConfig())

	for seq := uint16(0); seq < 5; seq++ {
		buffer.Push(audioPacket(seq))
	}

	for want := uint16(0); want < 5; want++ {
		packet, missing, ok := buffer.Pop()
		if !ok || missing {
			t.Fatalf("pop %d: ok=%v missing=%v", want, ok, missing)
		}
		if packet.Header.Sequence != want {
			t.Errorf("got sequence %d, want %d", packet.Header.Sequence, want)
		}
	}
}

func TestJitterBufferReordersOutOfOrder(t *testing.T) {
	buffer := NewJitterBuffer(fixedConfig())

	for _, seq := range []uint16{2, 0, 1, 4, 3} {
		buffer.Push(audioPacket(seq))
	}

	for want := uint16(0); want < 5; want++ {
		packet, missing, ok := buffer.Pop()
		if !ok || missing {
			t.Fatalf("pop %d: ok=%v missing=%v", want, ok, missing)
		}
		if packet.Header.Sequence != want {
			t.Errorf("got sequence %d, want %d", packet.Header.Sequence, want)
		}
	}
}

func TestJitterBufferDropsDuplicates(t *testing.T) {
	buffer := NewJitterBuffer(fixedConfig())

	buffer.Push(audioPacket(1))
	buffer.Push(audioPacket(1))
	buffer.Push(audioPacket(1))

	if buffer.Depth() != 1 {
		t.Errorf("duplicates must be dropped, depth = %d", buffer.Depth())
	}
	if buffer.Stats().Duplicates != 2 {
		t.Errorf("expected 2 duplicates counted, got %d", buffer.Stats().Duplicates)
	}
}

func TestJitterBufferStartupDepth(t *testing.T) {
	// 60 ms at 20 ms frames: three frames before the first pop
	buffer := NewJitterBuffer(fixedConfig())

	buffer.Push(audioPacket(0))
	if _, _, ok := buffer.Pop(); ok {
		t.Error("buffer must hold back until min depth is reached")
	}

	buffer.Push(audioPacket(1))
	buffer.Push(audioPacket(2))
	if _, _, ok := buffer.Pop(); !ok {
		t.Error("buffer must release once min depth is reached")
	}
}

func TestJitterBufferGapSignalsMissing(t *testing.T) {
	// frames 100..110 with 103 and 104 dropped; the ring holds 10
	// sequences (200 ms / 20 ms), so 110 arrives after 100 has played
	buffer := NewJitterBuffer(fixedConfig())

	for seq := uint16(100); seq <= 109; seq++ {
		if seq == 103 || seq == 104 {
			continue
		}
		buffer.Push(audioPacket(seq))
	}

	wantMissing := map[uint16]bool{103: true, 104: true}
	for seq := uint16(100); seq <= 110; seq++ {
		packet, missing, ok := buffer.Pop()
		if !ok {
			t.Fatalf("pop at %d not ready", seq)
		}
		if packet.Header.Sequence != seq {
			t.Fatalf("got sequence %d, want %d", packet.Header.Sequence, seq)
		}
		if missing != wantMissing[seq] {
			t.Errorf("sequence %d: missing=%v, want %v", seq, missing, wantMissing[seq])
		}
		if seq == 100 {
			buffer.Push(audioPacket(110))
		}
	}

	if buffer.Stats().Lost != 2 {
		t.Errorf("expected 2 lost, got %d", buffer.Stats().Lost)
	}
}

func TestJitterBufferLateArrivalDiscarded(t *testing.T) {
	buffer := NewJitterBuffer(JitterConfig{MinBufferMs: 0, MaxBufferMs: 200, Adaptive: false})

	buffer.Push(audioPacket(0))
	buffer.Push(audioPacket(1))
	buffer.Pop()
	buffer.Pop()

	// sequence 0 again: older than the window
	buffer.Push(audioPacket(0))
	if buffer.Depth() != 0 {
		t.Error("late arrival must be discarded")
	}
	if buffer.Stats().Late == 0 {
		t.Error("late arrival must be counted")
	}
}

func TestJitterBufferSequenceWrap(t *testing.T) {
	buffer := NewJitterBuffer(JitterConfig{MinBufferMs: 0, MaxBufferMs: 200, Adaptive: false})

	sequences := []uint16{65533, 65534, 65535, 0, 1, 2}
	for _, seq := range sequences {
		buffer.Push(audioPacket(seq))
	}

	for _, want := range sequences {
		packet, missing, ok := buffer.Pop()
		if !ok || missing {
			t.Fatalf("pop %d: ok=%v missing=%v", want, ok, missing)
		}
		if packet.Header.Sequence != want {
			t.Errorf("wrap order broken: got %d, want %d", packet.Header.Sequence, want)
		}
	}
}

func TestJitterBufferFecRecover(t *testing.T) {
	buffer := NewJitterBuffer(JitterConfig{MinBufferMs: 0, MaxBufferMs: 200, Adaptive: false})

	buffer.Push(audioPacket(0))
	// sequence 1 lost; 2 arrives carrying FEC
	recovered := audioPacket(1)
	recovered.Header.Flags |= FlagSynthesized
	if !buffer.Recover(recovered) {
		t.Fatal("recover must accept a missing in-window sequence")
	}
	buffer.Push(audioPacket(2))

	for want := uint16(0); want < 3; want++ {
		packet, missing, ok := buffer.Pop()
		if !ok || missing {
			t.Fatalf("pop %d: ok=%v missing=%v", want, ok, missing)
		}
		if packet.Header.Sequence != want {
			t.Errorf("got %d, want %d", packet.Header.Sequence, want)
		}
	}
	if buffer.Stats().Recovered != 1 {
		t.Errorf("expected 1 recovered, got %d", buffer.Stats().Recovered)
	}
}

func TestAdaptiveTargetGrowsOnLoss(t *testing.T) {
	config := JitterConfig{MinBufferMs: 40, MaxBufferMs: 200, Adaptive: true}
	buffer := NewJitterBuffer(config)

	before := buffer.Stats().TargetDepth

	// feed a loss-heavy stream: every other sequence missing
	for seq := uint16(0); seq < 40; seq += 2 {
		buffer.Push(audioPacket(seq))
	}
	for buffer.Depth() > 0 {
		buffer.Pop()
	}

	if buffer.Stats().TargetDepth <= before {
		t.Errorf("target depth did not grow under loss: %d -> %d", before, buffer.Stats().TargetDepth)
	}
}
