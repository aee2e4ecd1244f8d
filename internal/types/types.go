package types

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Expression is one of the fixed facial expression categories reported by a detector.
type Expression uint8

const (
	Neutral Expression = iota
	Happy
	Sad
	Angry
	Fearful
	Disgusted
	Surprised
)

// Expressions lists every label in canonical (chart) order.
var Expressions = []Expression{Neutral, Happy, Sad, Angry, Fearful, Disgusted, Surprised}

var expressionNames = [...]string{"neutral", "happy", "sad", "angry", "fearful", "disgusted", "surprised"}

func (e Expression) String() string {
	if int(e) < len(expressionNames) {
		return expressionNames[e]
	}
	return fmt.Sprintf("expression(%d)", uint8(e))
}

// Valid reports whether e is one of the known labels.
func (e Expression) Valid() bool { return int(e) < len(expressionNames) }

// ParseExpression maps a detector label to an Expression.
func ParseExpression(s string) (Expression, error) {
	for i, name := range expressionNames {
		if name == s {
			return Expression(i), nil
		}
	}
	return 0, fmt.Errorf("unknown expression label %q", s)
}

func (e Expression) MarshalText() ([]byte, error) {
	if !e.Valid() {
		return nil, fmt.Errorf("invalid expression %d", uint8(e))
	}
	return []byte(e.String()), nil
}

func (e *Expression) UnmarshalText(b []byte) error {
	v, err := ParseExpression(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// ExpressionScores holds one face's scores. Scores for a single face sum to 1.
type ExpressionScores map[Expression]float64

// ParseScores converts a raw detector label map, returning the labels it could not use.
// Unknown labels, negative and non-finite scores are dropped.
func ParseScores(raw map[string]float64) (ExpressionScores, []string) {
	out := make(ExpressionScores, len(raw))
	var dropped []string
	for label, v := range raw {
		e, err := ParseExpression(label)
		if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			dropped = append(dropped, label)
			continue
		}
		out[e] = v
	}
	sort.Strings(dropped)
	return out, dropped
}

// FrameResult is the per-face scores of one sampled frame. Order carries no meaning.
type FrameResult []ExpressionScores

// Size is a width/height pair in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Box is a face bounding box.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection is one detected face as returned by a Detector.
// Box is in the pixel space of the frame that was analysed.
type Detection struct {
	Box         Box
	Score       float64
	Expressions ExpressionScores
}

// FrameResultOf drops the geometry and keeps the scores of every detection.
func FrameResultOf(dets []Detection) FrameResult {
	out := make(FrameResult, 0, len(dets))
	for _, d := range dets {
		out = append(out, d.Expressions)
	}
	return out
}

// Frame is one image captured from a live stream.
type Frame struct {
	Seq    uint64
	At     time.Time
	Width  int
	Height int
	Data   []byte // JPEG
}

func (f Frame) Size() Size { return Size{Width: f.Width, Height: f.Height} }

// Distribution maps labels to percentages in [0,100]. An empty Distribution means no data.
type Distribution map[Expression]float64

// Entry is one bar of the chart series.
type Entry struct {
	Emotion    Expression `json:"emotion"`
	Percentage float64    `json:"percentage"`
}

func (d Distribution) Empty() bool { return len(d) == 0 }

// Entries returns the distribution in canonical label order, skipping absent labels.
func (d Distribution) Entries() []Entry {
	out := make([]Entry, 0, len(d))
	for _, e := range Expressions {
		if v, ok := d[e]; ok {
			out = append(out, Entry{Emotion: e, Percentage: v})
		}
	}
	return out
}

// Dominant returns the label with the highest percentage. Ties go to the earlier canonical label.
func (d Distribution) Dominant() (Expression, float64, bool) {
	var best Expression
	bestVal := -1.0
	for _, e := range Expressions {
		if v, ok := d[e]; ok && v > bestVal {
			best, bestVal = e, v
		}
	}
	return best, bestVal, bestVal >= 0
}

// Sum adds every percentage. It is 100 (within float tolerance) for a non-empty distribution.
func (d Distribution) Sum() float64 {
	var s float64
	for _, v := range d {
		s += v
	}
	return s
}
