package handler

import (
	iface "Sam2SegServer/interface"
	"encoding/json"
	"fmt"
)

// ParsePrompt builds the prompt for mode from the JSON encoded points/boxes form fields.
// Only the field the mode needs is read.
func ParsePrompt(mode, points, boxes string) (iface.Prompt, error) {
	switch iface.Mode(mode) {
	case "", iface.ModeEverything:
		return iface.Everything{}, nil
	case iface.ModePoints:
		coords, err := parseCoords("points", points, 2)
		if err != nil {
			return nil, err
		}
		out := make(iface.Points, len(coords))
		for i, c := range coords {
			out[i] = iface.Point{X: c[0], Y: c[1]}
		}
		return out, nil
	case iface.ModeBoxes:
		coords, err := parseCoords("boxes", boxes, 4)
		if err != nil {
			return nil, err
		}
		out := make(iface.Boxes, len(coords))
		for i, c := range coords {
			out[i] = iface.Box{X1: c[0], Y1: c[1], X2: c[2], Y2: c[3]}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: invalid segmentation mode: %s", iface.ErrInvalidInput, mode)
	}
}

func parseCoords(field, raw string, arity int) ([][]float32, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: %s mode requires %s", iface.ErrInvalidInput, field, field)
	}
	var coords [][]float32
	if err := json.Unmarshal([]byte(raw), &coords); err != nil {
		return nil, fmt.Errorf("%w: malformed %s: %v", iface.ErrInvalidInput, field, err)
	}
	if len(coords) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", iface.ErrInvalidInput, field)
	}
	for i, c := range coords {
		if len(c) != arity {
			return nil, fmt.Errorf("%w: %s[%d] has %d values, want %d", iface.ErrInvalidInput, field, i, len(c), arity)
		}
	}
	return coords, nil
}
