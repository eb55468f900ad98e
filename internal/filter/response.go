package filter

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/wudi/edgeway/internal/errors"
)

// ErrorResponse synthesizes the JSON response for gerr.
func ErrorResponse(ex *Exchange, gerr *errors.GatewayError) *http.Response {
	if ex.RequestID != "" {
		gerr = gerr.WithRequestID(ex.RequestID)
	}
	body, _ := json.Marshal(gerr)
	body = append(body, '\n')

	h := make(http.Header, 2)
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        strconv.Itoa(gerr.Code) + " " + http.StatusText(gerr.Code),
		StatusCode:    gerr.Code,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       ex.Request,
	}
}
