// ABOUTME: Idempotency-Key middleware replaying recorded responses for unsafe methods
// ABOUTME: Concurrent duplicates get 409 while the first request is still running

package dedupe

import (
	"bytes"
	"net/http"
)

// HeaderIdempotencyKey names the request header carrying the key.
const HeaderIdempotencyKey = "Idempotency-Key"

// headerRequestID is per request and never replayed.
const headerRequestID = "X-Request-ID"

// maxRecordedBody caps what is kept for replay; larger responses are not cached.
const maxRecordedBody = 1 << 20

// Middleware makes POST, PUT, PATCH and DELETE requests carrying an
// Idempotency-Key replay-safe. scope namespaces keys per caller; it may be nil.
// Only 2xx and 4xx responses are recorded; 5xx releases the key for retry.
func Middleware(c *Cache, scope func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderIdempotencyKey)
			if key == "" || !unsafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			if scope != nil {
				key = scope(r) + "\x00" + key
			}
			key = r.Method + " " + r.URL.Path + "\x00" + key

			state, resp := c.Reserve(key)
			switch state {
			case StateInFlight:
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusConflict)
				_, _ = w.Write([]byte(`{"error":"request with this idempotency key is in progress"}`))
				return
			case StateDone:
				replay(w, resp)
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				// aborted handler: the client got a partial response
				if p := recover(); p != nil {
					c.Release(key)
					panic(p)
				}
				if rec.status >= 500 || rec.overflow {
					c.Release(key)
					return
				}
				c.Complete(key, &Response{
					Status: rec.status,
					Header: w.Header().Clone(),
					Body:   rec.body.Bytes(),
				})
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

func unsafeMethod(m string) bool {
	switch m {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func replay(w http.ResponseWriter, resp *Response) {
	for k, v := range resp.Header {
		if k == http.CanonicalHeaderKey(headerRequestID) {
			continue
		}
		w.Header()[k] = append([]string(nil), v...)
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// recorder tees the response to the client and a bounded buffer.
type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
	overflow    bool
}

func (r *recorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	if !r.overflow {
		if r.body.Len()+len(p) > maxRecordedBody {
			r.overflow = true
			r.body.Reset()
		} else {
			r.body.Write(p)
		}
	}
	return r.ResponseWriter.Write(p)
}

// Flush supports streaming responses through the proxy.
func (r *recorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
