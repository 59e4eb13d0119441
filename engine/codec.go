package engine

import (
	iface "Sam2SegServer/interface"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"gocv.io/x/gocv"
)

// DecodeImage decodes PNG/JPEG/... bytes into a 3-channel BGR Mat. The caller closes it.
func DecodeImage(data []byte) (gocv.Mat, error) {
	if len(data) == 0 {
		return gocv.NewMat(), fmt.Errorf("%w: empty image data", iface.ErrInvalidInput)
	}
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: %v", iface.ErrInvalidInput, err)
	}
	if mat.Empty() {
		// IMDecode returns an empty Mat for unknown formats
		if err := mat.Close(); err != nil {
			return gocv.NewMat(), err
		}
		return gocv.NewMat(), fmt.Errorf("%w: decoded image is empty or unsupported format", iface.ErrInvalidInput)
	}
	return mat, nil
}

// DecodeBase64 decodes a base64 payload, optionally prefixed with a data:image/...;base64, header.
func DecodeBase64(b64 string) ([]byte, error) {
	b64 = strings.TrimSpace(b64)
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64 image: %v", iface.ErrInvalidInput, err)
	}
	return data, nil
}

// Base64ToMat decodes a base64 image (see DecodeBase64) into a BGR Mat.
func Base64ToMat(b64 string) (gocv.Mat, error) {
	data, err := DecodeBase64(b64)
	if err != nil {
		return gocv.NewMat(), err
	}
	return DecodeImage(data)
}

// EncodeMaskPNG renders the mask as a single channel 0/255 PNG, base64 encoded.
func EncodeMaskPNG(m iface.Mask) (string, error) {
	if m.Rows <= 0 || m.Cols <= 0 || len(m.Data) != m.Rows*m.Cols {
		return "", errors.New("mask shape does not match its data")
	}
	pix := make([]byte, len(m.Data))
	for i, v := range m.Data {
		if v != 0 {
			pix[i] = 255
		}
	}
	mat, err := gocv.NewMatFromBytes(m.Rows, m.Cols, gocv.MatTypeCV8U, pix)
	if err != nil {
		return "", err
	}
	defer mat.Close()
	buf, err := gocv.IMEncode(gocv.PNGFileExt, mat)
	if err != nil {
		return "", err
	}
	defer buf.Close()
	return base64.StdEncoding.EncodeToString(buf.GetBytes()), nil
}
