package offline

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Entry is an immutable snapshot of a response at the time it was stored.
// A new store for the same key replaces it as a whole.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64  // unix seconds
	Hash     uint64 // xxhash64 of Body
}

// Response materialises the snapshot as a fresh *http.Response. Each call gets
// its own header map and body reader, so callers may consume it freely.
func (e Entry) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        cloneHeader(e.Header),
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// RequestKey identifies a cached entry: method plus absolute URL, fragment
// stripped and an empty path written as "/". Request headers never take part
// in matching.
type RequestKey string

func KeyFor(method, rawURL string) RequestKey {
	if u, err := url.Parse(rawURL); err == nil {
		u.Fragment = ""
		u.RawFragment = ""
		if u.Host != "" && u.Path == "" && u.Opaque == "" {
			u.Path = "/"
		}
		rawURL = u.String()
	}
	if method == "" {
		method = http.MethodGet
	}
	return RequestKey(strings.ToUpper(method) + " " + rawURL)
}

func KeyForRequest(req *http.Request) RequestKey {
	return KeyFor(req.Method, req.URL.String())
}

// Generations holds the two generation names owned by one deployed version.
type Generations struct {
	Static  string
	Dynamic string
}

// GenerationsFor derives the generation pair for a version tag, e.g.
// "v1.0.1" -> {static-v1.0.1, dynamic-v1.0.1}.
func GenerationsFor(version string) Generations {
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	return Generations{Static: "static-" + version, Dynamic: "dynamic-" + version}
}

// Owns reports whether name is one of the current pair.
func (g Generations) Owns(name string) bool {
	return name == g.Static || name == g.Dynamic
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
