// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package audio reassembles sequenced AUDIO frames into utterance
// segments.
//
// Frames carry a segment id and a per-segment sequence number starting
// at zero. Frames may arrive out of order by up to the jitter
// tolerance; such frames are held and released in order once the gap
// before them fills. Anything further out invalidates the segment
// rather than risk a misordered buffer. A segment closes on an explicit
// end, on a silence gap, or on reaching the size bound.
//
// An Assembler is owned by one goroutine and is not safe for
// concurrent use.
package audio

import (
	"bytes"
	"cmp"
	"slices"
	"time"

	"github.com/voxlink/voxlink/lib/clock"
	"github.com/voxlink/voxlink/protocol"
)

// Config configures an Assembler.
type Config struct {
	// JitterTolerance is how far past the next expected sequence a
	// frame may be. Defaults to 4.
	JitterTolerance int

	// GapThreshold closes a segment with no new frames. Defaults to
	// 1.5s.
	GapThreshold time.Duration

	// MaxSegmentBytes closes a segment once its audio reaches this
	// size. Defaults to 4 MiB.
	MaxSegmentBytes int

	// MaxOpenSegments bounds concurrently open segments. Defaults to 4.
	MaxOpenSegments int

	Clock clock.Clock
}

func (c Config) withDefaults() Config {
	if c.JitterTolerance <= 0 {
		c.JitterTolerance = 4
	}
	if c.GapThreshold <= 0 {
		c.GapThreshold = 1500 * time.Millisecond
	}
	if c.MaxSegmentBytes <= 0 {
		c.MaxSegmentBytes = 4 << 20
	}
	if c.MaxOpenSegments <= 0 {
		c.MaxOpenSegments = 4
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	return c
}

// Close reasons recorded on a Segment.
const (
	ClosedByEnd  = "end_segment"
	ClosedByGap  = "silence_gap"
	ClosedBySize = "size_limit"
)

// Segment is a closed, complete utterance.
type Segment struct {
	ID     uint32
	Data   []byte
	Frames int

	StartedAt time.Time
	ClosedAt  time.Time

	// CloseReason is one of the ClosedBy constants.
	CloseReason string
}

// Bytes is the assembled audio size.
func (s *Segment) Bytes() int { return len(s.Data) }

// remembered bounds how many closed segment ids are kept for
// SegmentClosed rejections.
const remembered = 256

type openSegment struct {
	id      uint32
	next    uint32
	held    map[uint32][]byte
	data    bytes.Buffer
	size    int
	frames  int
	started time.Time
	last    time.Time
}

// Assembler tracks open segments.
type Assembler struct {
	config Config
	open   map[uint32]*openSegment

	closed      map[uint32]bool
	closedOrder []uint32
}

// NewAssembler returns an empty Assembler.
func NewAssembler(config Config) *Assembler {
	return &Assembler{
		config: config.withDefaults(),
		open:   make(map[uint32]*openSegment),
		closed: make(map[uint32]bool),
	}
}

// Open reports how many segments are open.
func (a *Assembler) Open() int { return len(a.open) }

// Add accepts one frame. It returns a Segment when the frame completes
// one by reaching the size bound. Duplicates are ignored. A frame too
// far ahead of the gap corrupts its segment; a frame for a closed
// segment is rejected.
func (a *Assembler) Add(frame protocol.AudioFrame) (*Segment, error) {
	if a.closed[frame.SegmentID] {
		return nil, protocol.Errorf(protocol.CodeSegmentClosed, "segment_closed",
			"segment %d is already closed", frame.SegmentID)
	}
	now := a.config.Clock.Now()

	segment := a.open[frame.SegmentID]
	if segment == nil {
		if len(a.open) >= a.config.MaxOpenSegments {
			return nil, protocol.Errorf(protocol.CodeCommandCapacity, "too_many_segments",
				"%d segments are already open", len(a.open))
		}
		segment = &openSegment{
			id:      frame.SegmentID,
			held:    make(map[uint32][]byte),
			started: now,
		}
		a.open[frame.SegmentID] = segment
	}
	segment.last = now

	if frame.Sequence < segment.next {
		return nil, nil
	}
	if _, duplicate := segment.held[frame.Sequence]; duplicate {
		return nil, nil
	}
	if frame.Sequence-segment.next > uint32(a.config.JitterTolerance) {
		expected := segment.next
		a.retire(segment.id)
		return nil, protocol.Errorf(protocol.CodeSegmentCorrupted, "segment_corrupted",
			"segment %d: frame %d arrived while %d was expected (tolerance %d)",
			frame.SegmentID, frame.Sequence, expected, a.config.JitterTolerance)
	}

	segment.frames++
	segment.size += len(frame.Data)
	if frame.Sequence == segment.next {
		segment.data.Write(frame.Data)
		segment.next++
		for {
			data, ok := segment.held[segment.next]
			if !ok {
				break
			}
			delete(segment.held, segment.next)
			segment.data.Write(data)
			segment.next++
		}
	} else {
		segment.held[frame.Sequence] = bytes.Clone(frame.Data)
	}

	if segment.size >= a.config.MaxSegmentBytes {
		return a.finish(segment, ClosedBySize, now)
	}
	return nil, nil
}

// End closes a segment on request.
func (a *Assembler) End(segmentID uint32) (*Segment, error) {
	if a.closed[segmentID] {
		return nil, protocol.Errorf(protocol.CodeSegmentClosed, "segment_closed",
			"segment %d is already closed", segmentID)
	}
	segment := a.open[segmentID]
	if segment == nil {
		return nil, protocol.Errorf(protocol.CodeInvalidParameters, "unknown_segment",
			"segment %d has no frames", segmentID)
	}
	return a.finish(segment, ClosedByEnd, a.config.Clock.Now())
}

// Expire closes every segment silent for at least the gap threshold.
// Segments that close with a hole yield an error instead.
func (a *Assembler) Expire(now time.Time) ([]*Segment, []error) {
	var (
		segments []*Segment
		errs     []error
	)
	for _, segment := range a.open {
		if now.Sub(segment.last) < a.config.GapThreshold {
			continue
		}
		closed, err := a.finish(segment, ClosedByGap, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		segments = append(segments, closed)
	}
	slices.SortFunc(segments, func(x, y *Segment) int { return cmp.Compare(x.ID, y.ID) })
	return segments, errs
}

func (a *Assembler) finish(segment *openSegment, reason string, now time.Time) (*Segment, error) {
	a.retire(segment.id)
	if len(segment.held) > 0 {
		return nil, protocol.Errorf(protocol.CodeSegmentCorrupted, "segment_corrupted",
			"segment %d closed (%s) with frame %d missing", segment.id, reason, segment.next)
	}
	return &Segment{
		ID:          segment.id,
		Data:        segment.data.Bytes(),
		Frames:      segment.frames,
		StartedAt:   segment.started,
		ClosedAt:    now,
		CloseReason: reason,
	}, nil
}

// retire removes an open segment and remembers its id as closed.
func (a *Assembler) retire(id uint32) {
	delete(a.open, id)
	if a.closed[id] {
		return
	}
	a.closed[id] = true
	a.closedOrder = append(a.closedOrder, id)
	if len(a.closedOrder) > remembered {
		delete(a.closed, a.closedOrder[0])
		a.closedOrder = a.closedOrder[1:]
	}
}
