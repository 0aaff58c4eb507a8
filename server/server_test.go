package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	alwaysoffline "github.com/always-cache/always-offline"
	"github.com/always-cache/always-offline/cache"
	pageurls "github.com/always-cache/always-offline/pkg/page-urls"
	"github.com/always-cache/always-offline/queue"

	"github.com/rs/zerolog"
)

type fixture struct {
	worker  *alwaysoffline.Worker
	handler http.Handler
	origin  *httptest.Server
	queue   queue.Store
}

func newFixture(t *testing.T, handler http.Handler) *fixture {
	t.Helper()
	origin := httptest.NewServer(handler)
	t.Cleanup(origin.Close)
	originURL, _ := url.Parse(origin.URL)

	q, err := queue.OpenLevelDBQueue("memory")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })

	logger := zerolog.Nop()
	w, err := alwaysoffline.CreateWorker(alwaysoffline.Config{
		Cache:     cache.NewMemCache(),
		Queue:     q,
		Logger:    &logger,
		App:       pageurls.Identity{Param: "p", AppID: "1694"},
		Pages:     []int{1},
		OriginURL: originURL,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{worker: w, handler: New(w, originURL, logger), origin: origin, queue: q}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func pageHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "<html>%s</html>", r.URL.Query().Get("p"))
	})
}

func TestConnectRewritesToOrigin(t *testing.T) {
	f := newFixture(t, pageHandler())

	rec := f.do("POST", "/clients", `{"url":"http://localhost:8080/ords/r/app?p=1694:1:s"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Status is %d: %s", rec.Code, rec.Body)
	}
	var res connectResponse
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.URL != f.origin.URL+"/ords/r/app?p=1694:1:s" {
		t.Fatalf("Client url is %s", res.URL)
	}
	if _, ok := f.worker.Clients().Get(res.ID); !ok {
		t.Fatal("Client not registered")
	}

	if rec := f.do("DELETE", "/clients/"+res.ID, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("Status is %d", rec.Code)
	}
	if _, ok := f.worker.Clients().Get(res.ID); ok {
		t.Fatal("Client still registered")
	}
}

func TestConnectRejectsRelativeURL(t *testing.T) {
	f := newFixture(t, pageHandler())
	if rec := f.do("POST", "/clients", `{"url":"/ords/r/app"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("Status is %d", rec.Code)
	}
}

func TestInstallAndActivate(t *testing.T) {
	f := newFixture(t, pageHandler())
	f.do("POST", "/clients", `{"url":"http://localhost:8080/ords/r/app?p=1694:1:s"}`)

	rec := f.do("POST", "/install", "")
	var res installResponse
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.StaticError != "" || res.FallbackError != "" {
		t.Fatalf("Install failed: %+v", res)
	}
	if len(res.Pages) != 1 || res.Pages[0] != f.origin.URL+"/ords/r/app?p=1694:1:s" {
		t.Fatalf("Pages are %v", res.Pages)
	}

	rec = f.do("POST", "/activate", "")
	if rec.Body.String() != "{\"claimed\":1}\n" {
		t.Fatalf("Body is %s", rec.Body)
	}
}

func TestTasksSyncAndMessages(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := f.do("POST", "/clients", `{"url":"http://localhost/ords/r/app?p=1694:1:s"}`)
	var client connectResponse
	json.Unmarshal(rec.Body.Bytes(), &client)

	rec = f.do("POST", "/tasks", `{"key":"t1","endpoint":"/api/save","options":{"method":"post","body":"x"},"refreshReportId":42}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Status is %d: %s", rec.Code, rec.Body)
	}
	if n, _ := f.queue.Len(context.Background(), alwaysoffline.DefaultSyncTag); n != 1 {
		t.Fatalf("%d queued tasks", n)
	}

	if rec := f.do("POST", "/sync/"+alwaysoffline.DefaultSyncTag, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("Status is %d: %s", rec.Code, rec.Body)
	}

	rec = f.do("GET", "/clients/"+client.ID+"/messages", "")
	if body := rec.Body.String(); body != "[{\"refreshReportIds\":[\"42\"]}]\n" {
		t.Fatalf("Messages are %s", body)
	}
	rec = f.do("GET", "/clients/"+client.ID+"/messages", "")
	if body := rec.Body.String(); body != "[]\n" {
		t.Fatalf("Mailbox not drained: %s", body)
	}
}

func TestSyncFailureIsBadGateway(t *testing.T) {
	f := newFixture(t, pageHandler())
	gone := httptest.NewServer(http.NotFoundHandler())
	gone.Close()
	f.do("POST", "/tasks", `{"endpoint":"`+gone.URL+`/api/save"}`)

	if rec := f.do("POST", "/sync/"+alwaysoffline.DefaultSyncTag, ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("Status is %d", rec.Code)
	}
	if n, _ := f.queue.Len(context.Background(), alwaysoffline.DefaultSyncTag); n != 1 {
		t.Fatalf("%d queued tasks", n)
	}
}

func TestInvalidTask(t *testing.T) {
	f := newFixture(t, pageHandler())
	if rec := f.do("POST", "/tasks", `{"options":{"method":"POST"}}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("Status is %d", rec.Code)
	}
}

func TestPush(t *testing.T) {
	f := newFixture(t, pageHandler())
	if rec := f.do("POST", "/push", `{"title":"T","body":"B"}`); rec.Code != http.StatusNoContent {
		t.Fatalf("Status is %d", rec.Code)
	}
	if rec := f.do("POST", "/push", `{"body":"B"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("Status is %d", rec.Code)
	}
}

func TestNotifications(t *testing.T) {
	f := newFixture(t, pageHandler())
	if rec := f.do("POST", "/notifications/click?tag=n1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("Status is %d", rec.Code)
	}
	if rec := f.do("POST", "/notifications/close", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("Status is %d", rec.Code)
	}
	if rec := f.do("POST", "/notifications/dance", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("Status is %d", rec.Code)
	}
}

func TestUnknownClientMessages(t *testing.T) {
	f := newFixture(t, pageHandler())
	if rec := f.do("GET", "/clients/nope/messages", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("Status is %d", rec.Code)
	}
}
