package handler

import "encoding/json"

type MaskResult struct {
	ID    int     `json:"id"`
	Mask  string  `json:"mask"`
	Score float64 `json:"score"`
	Area  int     `json:"area"`
}

type SegmentResponse struct {
	Success    bool         `json:"success"`
	Mode       string       `json:"mode"`
	NumMasks   int          `json:"num_masks"`
	Masks      []MaskResult `json:"masks"`
	ImageShape [2]int       `json:"image_shape"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Detail  string `json:"detail"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Device      string `json:"device"`
	ModelSize   string `json:"model_size"`
	State       string `json:"state"`
}

// WSRequest is one websocket text message. Image is base64, optionally a data URL.
// Points and boxes are JSON arrays, or strings holding them as in the form fields.
type WSRequest struct {
	Image  string          `json:"image"`
	Mode   string          `json:"mode"`
	Points json.RawMessage `json:"points,omitempty"`
	Boxes  json.RawMessage `json:"boxes,omitempty"`
}

// rawField returns the text ParsePrompt expects for a points/boxes value.
func rawField(v json.RawMessage) string {
	if len(v) == 0 || string(v) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(v)
}
