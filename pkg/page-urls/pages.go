package pageurls

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	querySeparator = "&"
	tokenSeparator = ":"
)

// Identity recognizes the application's URLs.
// An application URL carries a query segment of the form `<Param>=<AppID>:<page>:<rest...>`.
type Identity struct {
	// Query parameter holding the identifying segment, e.g. `p`.
	Param string
	// Application identifier, e.g. `1694`.
	AppID string
}

// Set holds the fully-qualified page URLs derived at install time.
// It is read-only once built.
type Set struct {
	// Application pages, seeded into the static tier.
	Pages []string
	// Fallback (error) pages, seeded into the fallback tier.
	Fallback []string
}

// Matches reports whether u belongs to the application.
// Anything after the first token separator in the segment value is ignored.
func (id Identity) Matches(u *url.URL) bool {
	_, _, ok := id.segment(u.RawQuery)
	return ok
}

// PageURL returns u with the page token of its identifying segment replaced by page.
// All other query content is preserved; the fragment is dropped.
func (id Identity) PageURL(u *url.URL, page int) (string, error) {
	parts, i, ok := id.segment(u.RawQuery)
	if !ok {
		return "", fmt.Errorf("url %s does not belong to app %s", u.Redacted(), id.AppID)
	}
	value := strings.TrimPrefix(parts[i], id.Param+"=")
	tokens := strings.Split(value, tokenSeparator)
	if len(tokens) < 2 {
		tokens = append(tokens, "")
	}
	tokens[1] = strconv.Itoa(page)

	query := make([]string, len(parts))
	copy(query, parts)
	query[i] = id.Param + "=" + strings.Join(tokens, tokenSeparator)
	return u.Scheme + "://" + u.Host + u.EscapedPath() + "?" + strings.Join(query, querySeparator), nil
}

// Derive builds the page URL set for the given page numbers from a matched client URL.
func (id Identity) Derive(u *url.URL, pages, fallback []int) (Set, error) {
	set := Set{
		Pages:    make([]string, 0, len(pages)),
		Fallback: make([]string, 0, len(fallback)),
	}
	for _, page := range pages {
		pageURL, err := id.PageURL(u, page)
		if err != nil {
			return Set{}, err
		}
		set.Pages = append(set.Pages, pageURL)
	}
	for _, page := range fallback {
		pageURL, err := id.PageURL(u, page)
		if err != nil {
			return Set{}, err
		}
		set.Fallback = append(set.Fallback, pageURL)
	}
	return set, nil
}

// segment splits the raw query and finds the part carrying the app identity.
func (id Identity) segment(rawQuery string) ([]string, int, bool) {
	if id.Param == "" || id.AppID == "" || rawQuery == "" {
		return nil, 0, false
	}
	parts := strings.Split(rawQuery, querySeparator)
	for i, part := range parts {
		value, found := strings.CutPrefix(part, id.Param+"=")
		if !found {
			continue
		}
		appID, _, _ := strings.Cut(value, tokenSeparator)
		if appID == id.AppID {
			return parts, i, true
		}
	}
	return nil, 0, false
}
