package httpexec

import (
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// ClientTimeHeader carries the client-measured elapsed time, so assertions
// do not depend on the server reporting its own timing.
const ClientTimeHeader string = "X-Client-Response-Time"

// Response is a fully read HTTP response. Non-2xx statuses are returned as
// regular responses; asserting on them is up to the caller.
type Response struct {
	Method     string
	URL        string
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	// Elapsed is the wall clock time of the whole call, retries included.
	Elapsed  time.Duration
	Attempts int
}

func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

func (r *Response) Text() string {
	return string(r.Body)
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Path looks up a value in a JSON body. Both "$.data.id" and "data.id" are
// accepted; a bare "$" selects the whole document.
func (r *Response) Path(path string) gjson.Result {
	if len(path) > 0 && path[0] == '$' {
		switch {
		case len(path) == 1:
			path = "@this"
		case path[1] == '.':
			path = path[2:]
		}
	}

	return gjson.GetBytes(r.Body, path)
}

func (r *Response) markElapsed(start time.Time) {
	r.Elapsed = time.Since(start)
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	r.Header.Set(ClientTimeHeader, strconv.FormatInt(r.Elapsed.Milliseconds(), 10)+"ms")
}
