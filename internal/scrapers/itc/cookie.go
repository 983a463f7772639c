package itc

import (
	"net/http"
	"strings"
)

// captureCookie rebuilds the session cookie from every Set-Cookie header of a
// response. Each header is cut at its first ';' and the name=value pairs are
// joined with ';', so "a=1; Path=/" and "b=2; Secure" become "a=1;b=2".
//
// The result replaces the previous cookie, a response without Set-Cookie yields "".
func captureCookie(header http.Header) string {
	var pairs []string
	for _, value := range header.Values("Set-Cookie") {
		pair, _, _ := strings.Cut(value, ";")
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		pairs = append(pairs, pair)
	}
	return strings.Join(pairs, ";")
}
