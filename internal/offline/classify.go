package offline

import (
	"net/http"
	"strings"
)

// RequestClass is the routing category of an intercepted request.
type RequestClass int

const (
	ClassGeneric RequestClass = iota
	ClassNavigational
	ClassAPI
)

func (c RequestClass) String() string {
	switch c {
	case ClassAPI:
		return "api"
	case ClassNavigational:
		return "navigational"
	default:
		return "generic"
	}
}

// Classifier assigns a RequestClass from the request host and Accept header.
// It never looks at cache state and never fails.
type Classifier struct {
	apiHosts []string
}

// NewClassifier matches API hosts as case-insensitive substrings of the
// request host, so "script.google.com" also covers its subdomains.
func NewClassifier(apiHosts []string) Classifier {
	hosts := make([]string, 0, len(apiHosts))
	for _, h := range apiHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	return Classifier{apiHosts: hosts}
}

func (c Classifier) Classify(req *http.Request) RequestClass {
	if req == nil || req.URL == nil {
		return ClassGeneric
	}
	host := strings.ToLower(req.URL.Hostname())
	if host == "" {
		host = strings.ToLower(req.Host)
	}
	for _, h := range c.apiHosts {
		if host != "" && strings.Contains(host, h) {
			return ClassAPI
		}
	}
	for _, v := range req.Header.Values("Accept") {
		if strings.Contains(strings.ToLower(v), "text/html") {
			return ClassNavigational
		}
	}
	return ClassGeneric
}
