package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	urlHeaderName      = "Offline-Request-Url"
	storedAtHeaderName = "Offline-Stored-At"
)

// Snapshot is a response captured at cache-write time.
// It is never modified after being stored; a later write replaces it.
type Snapshot struct {
	// URL of the request that produced the response.
	URL        string
	StatusCode int
	// Header without Content-Length, which is derived from Body.
	Header http.Header
	Body   []byte
	// The value of the clock when the snapshot was taken.
	StoredAt time.Time
}

// FromResponse captures res into a snapshot.
// The response body is consumed and replaced with an identical in-memory body,
// so res can still be handed to the caller afterwards.
func FromResponse(res *http.Response) (Snapshot, error) {
	snap := Snapshot{
		StatusCode: res.StatusCode,
		Header:     res.Header.Clone(),
		StoredAt:   time.Now(),
	}
	if snap.Header == nil {
		snap.Header = http.Header{}
	}
	snap.Header.Del("Content-Length")
	if res.Request != nil && res.Request.URL != nil {
		snap.URL = res.Request.URL.String()
	}
	if res.Body != nil {
		body, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			// the caller still sees what was read, followed by the read error
			res.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), errorReader{err}))
			return snap, fmt.Errorf("read response body: %w", err)
		}
		snap.Body = body
	}
	res.Body = io.NopCloser(bytes.NewReader(snap.Body))
	res.ContentLength = int64(len(snap.Body))
	return snap, nil
}

// Response creates a fresh *http.Response for the snapshot.
// Every call returns an independent body reader.
func (s Snapshot) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(s.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.StatusCode, http.StatusText(s.StatusCode)),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// Bytes returns the HTTP/1.1 representation of the snapshot.
// The request URL and capture time travel as extra header fields.
func (s Snapshot) Bytes() ([]byte, error) {
	res := s.Response(nil)
	res.Header.Set(urlHeaderName, s.URL)
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(s.StoredAt.Unix(), 10))
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, fmt.Errorf("write snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// FromBytes is the inverse of Snapshot.Bytes.
func FromBytes(b []byte) (Snapshot, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot body: %w", err)
	}
	snap := Snapshot{
		URL:        res.Header.Get(urlHeaderName),
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       body,
	}
	if storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		snap.StoredAt = time.Unix(storedAt, 0)
	}
	// delete extra headers
	snap.Header.Del(urlHeaderName)
	snap.Header.Del(storedAtHeaderName)
	snap.Header.Del("Content-Length")
	return snap, nil
}

type errorReader struct{ err error }

func (e errorReader) Read([]byte) (int, error) { return 0, e.err }
