// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package audio

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/voxlink/voxlink/lib/clock"
	"github.com/voxlink/voxlink/protocol"
)

var epoch = time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)

func frame(segment, sequence uint32) protocol.AudioFrame {
	return protocol.AudioFrame{
		SegmentID: segment,
		Sequence:  sequence,
		Data:      []byte(fmt.Sprintf("[%d:%d]", segment, sequence)),
	}
}

func inOrder(segment uint32, count int) []byte {
	var buffer bytes.Buffer
	for i := range count {
		buffer.Write(frame(segment, uint32(i)).Data)
	}
	return buffer.Bytes()
}

func requireCode(t *testing.T, err error, want protocol.Code) {
	t.Helper()
	if got := protocol.CodeOf(err); got != want {
		t.Fatalf("error = %v (code %d), want code %d", err, got, want)
	}
}

func add(t *testing.T, assembler *Assembler, frames ...protocol.AudioFrame) {
	t.Helper()
	for _, f := range frames {
		segment, err := assembler.Add(f)
		if err != nil {
			t.Fatalf("Add(%d/%d): %v", f.SegmentID, f.Sequence, err)
		}
		if segment != nil {
			t.Fatalf("Add(%d/%d) closed the segment unexpectedly", f.SegmentID, f.Sequence)
		}
	}
}

func TestInOrderSegment(t *testing.T) {
	assembler := NewAssembler(Config{Clock: clock.Fake(epoch)})
	add(t, assembler, frame(1, 0), frame(1, 1), frame(1, 2))

	segment, err := assembler.End(1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(segment.Data, inOrder(1, 3)) {
		t.Errorf("Data = %q", segment.Data)
	}
	if segment.Frames != 3 || segment.CloseReason != ClosedByEnd {
		t.Errorf("Frames = %d, CloseReason = %s", segment.Frames, segment.CloseReason)
	}
	if assembler.Open() != 0 {
		t.Errorf("Open = %d after End", assembler.Open())
	}

	_, err = assembler.Add(frame(1, 3))
	requireCode(t, err, protocol.CodeSegmentClosed)
	_, err = assembler.End(1)
	requireCode(t, err, protocol.CodeSegmentClosed)
}

// Any delivery order in which no frame runs more than the tolerance
// ahead of the next expected one assembles to the in-order bytes.
func TestReorderingWithinToleranceIsTransparent(t *testing.T) {
	const (
		tolerance = 4
		count     = 40
	)
	random := rand.New(rand.NewPCG(1, 2))
	for trial := range 50 {
		order := make([]uint32, 0, count)
		for start := 0; start < count; start += tolerance + 1 {
			window := make([]uint32, 0, tolerance+1)
			for i := start; i < min(start+tolerance+1, count); i++ {
				window = append(window, uint32(i))
			}
			random.Shuffle(len(window), func(i, j int) { window[i], window[j] = window[j], window[i] })
			order = append(order, window...)
		}

		assembler := NewAssembler(Config{JitterTolerance: tolerance, Clock: clock.Fake(epoch)})
		for _, sequence := range order {
			if _, err := assembler.Add(frame(7, sequence)); err != nil {
				t.Fatalf("trial %d order %v: Add(%d): %v", trial, order, sequence, err)
			}
		}
		segment, err := assembler.End(7)
		if err != nil {
			t.Fatalf("trial %d order %v: End: %v", trial, order, err)
		}
		if !bytes.Equal(segment.Data, inOrder(7, count)) {
			t.Fatalf("trial %d order %v: assembled bytes differ from in-order delivery", trial, order)
		}
	}
}

func TestFrameBeyondToleranceCorrupts(t *testing.T) {
	assembler := NewAssembler(Config{JitterTolerance: 2, Clock: clock.Fake(epoch)})
	add(t, assembler, frame(3, 0), frame(3, 2))

	_, err := assembler.Add(frame(3, 4))
	requireCode(t, err, protocol.CodeSegmentCorrupted)
	if assembler.Open() != 0 {
		t.Error("corrupted segment still open")
	}
	_, err = assembler.Add(frame(3, 1))
	requireCode(t, err, protocol.CodeSegmentClosed)
}

func TestDuplicatesIgnored(t *testing.T) {
	assembler := NewAssembler(Config{Clock: clock.Fake(epoch)})
	add(t, assembler, frame(1, 0), frame(1, 2), frame(1, 0), frame(1, 2), frame(1, 1), frame(1, 1))
	segment, err := assembler.End(1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(segment.Data, inOrder(1, 3)) || segment.Frames != 3 {
		t.Errorf("Data = %q, Frames = %d", segment.Data, segment.Frames)
	}
}

func TestEndWithHoleCorrupts(t *testing.T) {
	assembler := NewAssembler(Config{Clock: clock.Fake(epoch)})
	add(t, assembler, frame(2, 0), frame(2, 2))
	_, err := assembler.End(2)
	requireCode(t, err, protocol.CodeSegmentCorrupted)

	_, err = assembler.End(99)
	requireCode(t, err, protocol.CodeInvalidParameters)
}

func TestGapExpiry(t *testing.T) {
	fake := clock.Fake(epoch)
	assembler := NewAssembler(Config{GapThreshold: time.Second, Clock: fake})
	add(t, assembler, frame(1, 0), frame(1, 1))
	fake.Advance(500 * time.Millisecond)
	add(t, assembler, frame(2, 0), frame(2, 2))

	segments, errs := assembler.Expire(fake.Now())
	if len(segments) != 0 || len(errs) != 0 {
		t.Fatalf("nothing should expire yet: %d segments, %v", len(segments), errs)
	}

	fake.Advance(500 * time.Millisecond)
	segments, errs = assembler.Expire(fake.Now())
	if len(segments) != 1 || segments[0].ID != 1 || segments[0].CloseReason != ClosedByGap {
		t.Fatalf("expired %+v, want segment 1 by gap", segments)
	}
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if !segments[0].ClosedAt.Equal(epoch.Add(time.Second)) {
		t.Errorf("ClosedAt = %v", segments[0].ClosedAt)
	}

	fake.Advance(500 * time.Millisecond)
	segments, errs = assembler.Expire(fake.Now())
	if len(segments) != 0 || len(errs) != 1 {
		t.Fatalf("segment 2 should expire corrupted: %d segments, %v", len(segments), errs)
	}
	requireCode(t, errs[0], protocol.CodeSegmentCorrupted)
}

func TestSizeLimitClosesSegment(t *testing.T) {
	assembler := NewAssembler(Config{MaxSegmentBytes: 10, Clock: clock.Fake(epoch)})
	add(t, assembler, frame(1, 0)) // 5 bytes
	segment, err := assembler.Add(frame(1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if segment == nil || segment.CloseReason != ClosedBySize {
		t.Fatalf("segment = %+v, want closed by size", segment)
	}
	if segment.Bytes() != 10 {
		t.Errorf("Bytes = %d", segment.Bytes())
	}
	_, err = assembler.Add(frame(1, 2))
	requireCode(t, err, protocol.CodeSegmentClosed)
}

func TestOpenSegmentBound(t *testing.T) {
	assembler := NewAssembler(Config{MaxOpenSegments: 2, Clock: clock.Fake(epoch)})
	add(t, assembler, frame(1, 0), frame(2, 0))
	_, err := assembler.Add(frame(3, 0))
	requireCode(t, err, protocol.CodeCommandCapacity)

	if _, err := assembler.End(1); err != nil {
		t.Fatal(err)
	}
	add(t, assembler, frame(3, 0))
}
