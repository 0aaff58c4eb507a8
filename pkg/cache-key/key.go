package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

// Key returns the cache identity of a request.
// Only GET requests have one; the identity is the request URL without its fragment.
func Key(r *http.Request) (string, error) {
	if r.Method != "" && r.Method != http.MethodGet {
		return "", ErrorMethodNotSupported
	}
	return fromURL(r.URL), nil
}

// FromURL returns the cache identity of a GET request to the given URL.
func FromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return fromURL(u), nil
}

func fromURL(u *url.URL) string {
	// fragments never reach the server, so they are not part of the identity
	withoutFragment := *u
	withoutFragment.Fragment = ""
	withoutFragment.RawFragment = ""
	return withoutFragment.String()
}
