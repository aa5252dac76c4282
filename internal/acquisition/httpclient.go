package acquisition

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	dialTimeout   = 30 * time.Second
	headerTimeout = 30 * time.Second
)

var errStalled = errors.New("download stalled")

// NewHTTPClient returns the client used for direct downloads. Connecting and
// waiting for response headers are bounded; reading the body is not, so a
// slow transfer that keeps moving is never cut off.
func NewHTTPClient() *http.Client {
	return newHTTPClient(headerTimeout)
}

func newHTTPClient(header time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: header,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// stallReader cancels the request once no bytes have arrived for idle.
type stallReader struct {
	r     io.Reader
	idle  time.Duration
	timer *time.Timer
}

func newStallReader(r io.Reader, idle time.Duration, cancel context.CancelCauseFunc) *stallReader {
	return &stallReader{
		r:     r,
		idle:  idle,
		timer: time.AfterFunc(idle, func() { cancel(errStalled) }),
	}
}

func (s *stallReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.timer.Reset(s.idle)
	}
	return n, err
}

func (s *stallReader) stop() { s.timer.Stop() }
