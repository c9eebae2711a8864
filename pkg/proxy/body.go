package proxy

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strings"
)

// Body is the upstream response payload carried between the forward and
// relay steps: decoded JSON when the upstream declared JSON, the raw text
// otherwise. Either way it is re-encoded as JSON toward the caller, which
// keeps the response contract uniform even for plain-text upstreams.
type Body struct {
	json   interface{}
	text   string
	isJSON bool
}

// Value returns what gets serialized back to the caller.
func (b *Body) Value() interface{} {
	if b.isJSON {
		return b.json
	}
	return b.text
}

func readBody(resp *http.Response) (*Body, error) {
	data, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, &ForwardError{Message: "unable to read upstream response", Err: err}
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var v interface{}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, &ForwardError{Message: "unable to parse upstream response", Err: err}
		}
		return &Body{json: v, isJSON: true}, nil
	}

	return &Body{text: string(data)}, nil
}
