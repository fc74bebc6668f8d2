package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/nozzle.control/internal/nozzle"
)

// frameLine is one processed camera frame in a replay file, one JSON object
// per line:
//
//	{"nozzle_id":"primary","timestamp":"2025-06-01T12:00:00Z","detections":[{"category":"blocked","confidence":0.91}]}
//
// A detection names its class either by category or by detector class_id.
type frameLine struct {
	NozzleID   string          `json:"nozzle_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Detections []detectionLine `json:"detections"`
}

type detectionLine struct {
	Category   string  `json:"category,omitempty"`
	ClassID    *int    `json:"class_id,omitempty"`
	Confidence float64 `json:"confidence"`
}

// replayFrame is a decoded frame ready for a pipeline.
type replayFrame struct {
	NozzleID string
	Events   []nozzle.DetectionEvent
}

// frameReader decodes a replay stream line by line.
type frameReader struct {
	sc   *bufio.Scanner
	line int
	now  func() time.Time
}

func newFrameReader(r io.Reader, now func() time.Time) *frameReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &frameReader{sc: sc, now: now}
}

// Next returns the next frame, skipping blank lines. It returns io.EOF at the
// end of the stream.
func (fr *frameReader) Next() (replayFrame, error) {
	for fr.sc.Scan() {
		fr.line++
		raw := bytes.TrimSpace(fr.sc.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}
		var fl frameLine
		if err := json.Unmarshal(raw, &fl); err != nil {
			return replayFrame{}, fmt.Errorf("line %d: %w", fr.line, err)
		}
		if fl.NozzleID == "" {
			return replayFrame{}, fmt.Errorf("line %d: nozzle_id is required", fr.line)
		}
		ts := fl.Timestamp
		if ts.IsZero() {
			ts = fr.now()
		}
		f := replayFrame{NozzleID: fl.NozzleID}
		for i, d := range fl.Detections {
			cat, err := d.category()
			if err != nil {
				return replayFrame{}, fmt.Errorf("line %d detection %d: %w", fr.line, i, err)
			}
			f.Events = append(f.Events, nozzle.DetectionEvent{
				NozzleID:   fl.NozzleID,
				Category:   cat,
				Confidence: d.Confidence,
				Timestamp:  ts,
			})
		}
		return f, nil
	}
	if err := fr.sc.Err(); err != nil {
		return replayFrame{}, err
	}
	return replayFrame{}, io.EOF
}

func (d detectionLine) category() (nozzle.Category, error) {
	switch {
	case d.Category != "" && d.ClassID != nil:
		return nozzle.CategoryUnknown, errors.New("set category or class_id, not both")
	case d.Category != "":
		return nozzle.ParseCategory(d.Category)
	case d.ClassID != nil:
		cat, ok := nozzle.CategoryFromClassID(*d.ClassID)
		if !ok {
			return nozzle.CategoryUnknown, fmt.Errorf("class_id %d has no category", *d.ClassID)
		}
		return cat, nil
	}
	return nozzle.CategoryUnknown, errors.New("detection has no category")
}
