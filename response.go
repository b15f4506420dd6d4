package transportepwa

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

// bytesToResponse converts a byte slice to a http.Response.
func bytesToResponse(b []byte) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
}

// responseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response.
// The response body is reset so the caller can still read it.
func responseToBytes(res *http.Response) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	bts := buf.Bytes()
	clonedRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clonedRes.Body
	return bts, nil
}

type offlineError struct {
	Error   string `json:"error"`
	Offline bool   `json:"offline,omitempty"`
	Message string `json:"message"`
}

// offlineAPIResponse is returned for data-API requests when the network
// is unreachable and no stored copy exists.
func offlineAPIResponse() *http.Response {
	return jsonResponse(http.StatusServiceUnavailable, offlineError{
		Error:   "Sin conexión",
		Offline: true,
		Message: "Los datos no están disponibles sin conexión",
	})
}

// connectionRequiredResponse is returned when a network-only request
// fails; the operation cannot be satisfied offline.
func connectionRequiredResponse() *http.Response {
	return jsonResponse(http.StatusServiceUnavailable, offlineError{
		Error:   "Sin conexión",
		Message: "Esta operación requiere conexión a internet",
	})
}

func jsonResponse(status int, v any) *http.Response {
	body, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &http.Response{
		Status:        http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}
