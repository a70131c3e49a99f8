// Package detect adapts the external detector's output into one flat
// Detection shape, whatever result layout the detector produced.
package detect

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"math"

	"github.com/pkg/errors"
)

// ErrUnrecognizedShape is returned when the detector output matches none of
// the supported layouts. The frame should be treated as having no detections.
var ErrUnrecognizedShape = errors.New("unrecognized detector result shape")

// Detection is one bounding box reported by the detector.
type Detection struct {
	Class      int
	Confidence float64
	Box        image.Rectangle // pixel coordinates x1,y1,x2,y2
}

// WorkerError carries an error message reported by the detector itself.
type WorkerError struct {
	Message string
}

func (e *WorkerError) Error() string {
	return "detector error: " + e.Message
}

// resultSet mirrors a YOLO result: parallel arrays of boxes, classes and scores.
type resultSet struct {
	Boxes *struct {
		XYXY [][]float64 `json:"xyxy"`
		Cls  []float64   `json:"cls"`
		Conf []float64   `json:"conf"`
	} `json:"boxes"`
}

// flatDetection is one entry of a pre-flattened detection list.
type flatDetection struct {
	Box  []float64 `json:"box"`
	Cls  *float64  `json:"cls"`
	Conf *float64  `json:"conf"`
}

// Decode normalises raw detector output. Supported layouts:
//
//	{"boxes": {"xyxy": [[x1,y1,x2,y2]], "cls": [0], "conf": [0.9]}}    one result set
//	[{"boxes": {...}}, {"boxes": {...}}]                              several result sets
//	[{"box": [x1,y1,x2,y2], "cls": 0, "conf": 0.9}]                   flat list
//	{"error": "message"}                                              detector failure
//
// Anything else yields an error wrapping ErrUnrecognizedShape.
func Decode(raw []byte) ([]Detection, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.Wrap(ErrUnrecognizedShape, "empty payload")
	}

	switch raw[0] {
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, errors.Wrap(ErrUnrecognizedShape, err.Error())
		}
		if msg, ok := obj["error"]; ok {
			var text string
			if err := json.Unmarshal(msg, &text); err != nil {
				text = string(msg)
			}
			return nil, &WorkerError{Message: text}
		}
		if _, ok := obj["boxes"]; ok {
			return decodeResultSet(raw)
		}
		return nil, errors.Wrap(ErrUnrecognizedShape, "object without boxes")

	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, errors.Wrap(ErrUnrecognizedShape, err.Error())
		}
		var out []Detection
		for i, item := range items {
			var keys map[string]json.RawMessage
			if err := json.Unmarshal(item, &keys); err != nil {
				return nil, errors.Wrapf(ErrUnrecognizedShape, "item %d: %v", i, err)
			}
			var (
				dets []Detection
				err  error
			)
			switch {
			case keys["boxes"] != nil:
				dets, err = decodeResultSet(item)
			case keys["box"] != nil:
				dets, err = decodeFlat(item)
			default:
				err = errors.Wrap(ErrUnrecognizedShape, "item has neither boxes nor box")
			}
			if err != nil {
				return nil, errors.Wrapf(err, "item %d", i)
			}
			out = append(out, dets...)
		}
		return out, nil
	}

	return nil, errors.Wrapf(ErrUnrecognizedShape, "unexpected leading byte %q", raw[0])
}

func decodeResultSet(raw []byte) ([]Detection, error) {
	var rs resultSet
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, errors.Wrap(ErrUnrecognizedShape, err.Error())
	}
	if rs.Boxes == nil {
		// "boxes": null is an empty result
		return nil, nil
	}
	b := rs.Boxes
	if len(b.XYXY) != len(b.Cls) || len(b.XYXY) != len(b.Conf) {
		return nil, errors.Wrapf(ErrUnrecognizedShape,
			"mismatched lengths xyxy=%d cls=%d conf=%d", len(b.XYXY), len(b.Cls), len(b.Conf))
	}

	out := make([]Detection, 0, len(b.XYXY))
	for i, xyxy := range b.XYXY {
		box, err := toRect(xyxy)
		if err != nil {
			return nil, errors.Wrapf(err, "box %d", i)
		}
		out = append(out, Detection{
			Class:      int(math.Round(b.Cls[i])),
			Confidence: b.Conf[i],
			Box:        box,
		})
	}
	return out, nil
}

func decodeFlat(raw []byte) ([]Detection, error) {
	var fd flatDetection
	if err := json.Unmarshal(raw, &fd); err != nil {
		return nil, errors.Wrap(ErrUnrecognizedShape, err.Error())
	}
	if fd.Cls == nil || fd.Conf == nil {
		return nil, errors.Wrap(ErrUnrecognizedShape, "flat detection missing cls or conf")
	}
	box, err := toRect(fd.Box)
	if err != nil {
		return nil, err
	}
	return []Detection{{
		Class:      int(math.Round(*fd.Cls)),
		Confidence: *fd.Conf,
		Box:        box,
	}}, nil
}

// toRect truncates x1,y1,x2,y2 to integer pixels. The corners are kept as
// given; degenerate boxes are left for the feature extractor to handle.
func toRect(xyxy []float64) (image.Rectangle, error) {
	if len(xyxy) != 4 {
		return image.Rectangle{}, errors.Wrap(ErrUnrecognizedShape, fmt.Sprintf("box has %d coordinates", len(xyxy)))
	}
	return image.Rectangle{
		Min: image.Pt(int(xyxy[0]), int(xyxy[1])),
		Max: image.Pt(int(xyxy[2]), int(xyxy[3])),
	}, nil
}

// IsShapeError reports whether err stems from an unrecognized result shape.
func IsShapeError(err error) bool {
	return err != nil && errors.Cause(err) == ErrUnrecognizedShape
}
