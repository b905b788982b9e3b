package proxy

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// statusError is a failure the client is told about with an HTTP status
// before the connection closes.
type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%d %s: %v", e.code, http.StatusText(e.code), e.err)
}

func (e *statusError) Unwrap() error {
	return e.err
}

func withStatus(code int, err error) error {
	return &statusError{code: code, err: err}
}

// writeError writes a complete close-delimited error response.
func writeError(w io.Writer, code int, extra http.Header, msg string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", code, http.StatusText(code))
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(msg)+2)
	b.WriteString("Connection: close\r\n")
	for k, vs := range extra {
		for _, v := range vs {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	b.WriteString("\r\n")
	b.WriteString(msg)
	b.WriteString("\r\n")

	_, err := io.WriteString(w, b.String())
	return err
}
