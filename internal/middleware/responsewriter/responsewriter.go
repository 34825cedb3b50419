// Package responsewriter wraps an http.ResponseWriter to observe what the
// handler wrote.
package responsewriter

import "net/http"

// Recorder records the status code and the number of body bytes written.
type Recorder struct {
	http.ResponseWriter

	status  int
	written int64
}

// NewRecorder wraps w. The status defaults to 200 until WriteHeader is called.
func NewRecorder(w http.ResponseWriter) *Recorder {
	return &Recorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *Recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *Recorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *Recorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *Recorder) Status() int {
	return r.status
}

func (r *Recorder) BytesWritten() int64 {
	return r.written
}
