package main

import (
	"net/http"
	"sort"
	"strings"
)

// CORSMiddleware applies CORS headers for the admin HTTP surface and decides
// which origins may open websocket connections.
type CORSMiddleware struct {
	Origins []string
	Headers []string
	Methods []string
}

// NewCORSMiddleware parses a comma-separated origin list; "*" allows any.
func NewCORSMiddleware(origins string) *CORSMiddleware {
	var parsed []string

	for _, origin := range strings.Split(origins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			parsed = append(parsed, trimmed)
		}
	}

	return &CORSMiddleware{
		Origins: parsed,
		Headers: []string{"Content-Type", AdminKeyHeader},
		Methods: []string{"GET"},
	}
}

func (c *CORSMiddleware) allowAny() bool {
	for _, origin := range c.Origins {
		if origin == "*" {
			return true
		}
	}

	return false
}

// OriginAllowed vets a request origin; used by the websocket upgrader.
// Requests without an Origin header (non-browser clients) are allowed.
func (c *CORSMiddleware) OriginAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	if origin == "" || c.allowAny() {
		return true
	}

	for _, allowed := range c.Origins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}

	return false
}

func (c *CORSMiddleware) Handle(next http.Handler) http.Handler {
	methodsHash := make(map[string]int)

	methodsHash["OPTIONS"] = 1

	for _, val := range c.Methods {
		methodsHash[strings.ToUpper(val)] = 1
	}

	pos := 0
	methodsSlice := make([]string, len(methodsHash))
	for method := range methodsHash {
		methodsSlice[pos] = method
		pos++
	}

	sort.Strings(methodsSlice)

	methodsString := strings.Join(methodsSlice, ", ")

	headersString := strings.Join(c.Headers, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		switch {
		case c.allowAny():
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && c.OriginAllowed(r):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Headers", headersString)
		w.Header().Set("Access-Control-Allow-Methods", methodsString)
		w.Header().Set("Access-Control-Expose-Headers", headersString)
		w.Header().Set("Access-Control-Max-Age", "60")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if methodsHash[r.Method] != 1 {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		next.ServeHTTP(w, r)
	})
}
