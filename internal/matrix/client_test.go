package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"

	"github.com/comigor/relay-go/internal/config"
	"github.com/comigor/relay-go/internal/relay"
)

const (
	self = "@relay:example.org"
	room = "!room:example.org"
)

type recorded struct {
	Method string
	Path   string
	Body   map[string]any
	At     time.Time
}

type fakeHomeserver struct {
	t        *testing.T
	mu       sync.Mutex
	requests []recorded
	syncs    []string // canned /sync bodies, served in order; afterwards sync blocks
	failSync int      // number of sync calls answered with 500 first
}

func (f *fakeHomeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if got := r.Header.Get("Authorization"); got != "Bearer token" {
		f.t.Errorf("unexpected Authorization header %q", got)
	}

	rec := recorded{Method: r.Method, Path: r.URL.Path, At: time.Now()}
	if r.Body != nil && r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&rec.Body)
	}
	f.mu.Lock()
	f.requests = append(f.requests, rec)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/_matrix/client/v3/account/whoami":
		fmt.Fprintf(w, `{"user_id":%q,"device_id":"DEV"}`, self)
	case r.URL.Path == "/_matrix/client/v3/sync":
		f.serveSync(w, r)
	case strings.HasSuffix(r.URL.Path, "/filter"):
		fmt.Fprint(w, `{"filter_id":"1"}`)
	case strings.HasSuffix(r.URL.Path, "/join"):
		fmt.Fprintf(w, `{"room_id":%q}`, strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/_matrix/client/v3/rooms/"), "/join"))
	case strings.Contains(r.URL.Path, "/send/"):
		fmt.Fprint(w, `{"event_id":"$sent"}`)
	case strings.Contains(r.URL.Path, "/typing/"):
		if strings.Contains(r.URL.Path, "forbidden") {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"errcode":"M_FORBIDDEN","error":"not in room"}`)
			return
		}
		fmt.Fprint(w, `{}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"errcode":"M_UNRECOGNIZED","error":"unknown"}`)
	}
}

func (f *fakeHomeserver) serveSync(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	if f.failSync > 0 {
		f.failSync--
		f.mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"errcode":"M_UNKNOWN","error":"database is locked"}`)
		return
	}
	if len(f.syncs) > 0 {
		body := f.syncs[0]
		f.syncs = f.syncs[1:]
		f.mu.Unlock()
		fmt.Fprint(w, body)
		return
	}
	f.mu.Unlock()

	select {
	case <-r.Context().Done():
	case <-time.After(5 * time.Second):
	}
	fmt.Fprint(w, `{"next_batch":"idle"}`)
}

func (f *fakeHomeserver) Requests() []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recorded(nil), f.requests...)
}

func (f *fakeHomeserver) find(method, path string) []recorded {
	var out []recorded
	for _, r := range f.Requests() {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func newTestClient(t *testing.T, f *fakeHomeserver, retryDelay time.Duration) *Client {
	f.t = t
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c, err := New(config.MatrixConfig{
		HomeserverURL: srv.URL,
		AccessToken:   "token",
		RetryDelay:    retryDelay,
	})
	require.NoError(t, err)
	return c
}

func TestSendText(t *testing.T) {
	f := &fakeHomeserver{}
	c := newTestClient(t, f, time.Second)

	require.NoError(t, c.SendText(context.Background(), room, "hello"))

	reqs := f.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, http.MethodPut, reqs[0].Method)
	require.True(t, strings.HasPrefix(reqs[0].Path, "/_matrix/client/v3/rooms/"+room+"/send/m.room.message/"), reqs[0].Path)
	require.Equal(t, "m.text", reqs[0].Body["msgtype"])
	require.Equal(t, "hello", reqs[0].Body["body"])
}

func TestSetPresence(t *testing.T) {
	f := &fakeHomeserver{}
	c := newTestClient(t, f, time.Second)
	ctx := context.Background()

	require.ErrorIs(t, c.SetPresence(ctx, room, relay.PresenceComposing), ErrUnknownUser)

	require.NoError(t, c.whoAmI(ctx))
	require.Equal(t, self, c.cli.UserID.String())

	require.NoError(t, c.SetPresence(ctx, room, relay.PresenceComposing))
	require.NoError(t, c.SetPresence(ctx, room, relay.PresencePaused))

	typing := f.find(http.MethodPut, "/_matrix/client/v3/rooms/"+room+"/typing/"+self)
	require.Len(t, typing, 2)
	require.Equal(t, true, typing[0].Body["typing"])
	require.Equal(t, float64(30000), typing[0].Body["timeout"])
	require.Equal(t, false, typing[1].Body["typing"])
}

func TestSetPresence_MatrixError(t *testing.T) {
	f := &fakeHomeserver{}
	c := newTestClient(t, f, time.Second)
	require.NoError(t, c.whoAmI(context.Background()))

	err := c.SetPresence(context.Background(), "!forbidden:example.org", relay.PresencePaused)
	require.ErrorIs(t, err, mautrix.MForbidden)
}

const initialSync = `{"next_batch":"s1","rooms":{
  "join":{"!room:example.org":{"timeline":{"events":[
    {"event_id":"$old","type":"m.room.message","sender":"@alice:example.org","origin_server_ts":1,"content":{"msgtype":"m.text","body":"from before"}}]}}},
  "invite":{"!new:example.org":{"invite_state":{"events":[]}}}}}`

const liveSync = `{"next_batch":"s2","rooms":{
  "join":{"!room:example.org":{"timeline":{"events":[
    {"event_id":"$own","type":"m.room.message","sender":"@relay:example.org","origin_server_ts":2,"content":{"msgtype":"m.text","body":"my reply"}},
    {"event_id":"$img","type":"m.room.message","sender":"@alice:example.org","origin_server_ts":3,"content":{"msgtype":"m.image","body":"cat.png"}},
    {"event_id":"$edit","type":"m.room.message","sender":"@alice:example.org","origin_server_ts":4,"content":{"msgtype":"m.text","body":"* fixed","m.new_content":{"msgtype":"m.text","body":"fixed"},"m.relates_to":{"rel_type":"m.replace","event_id":"$old"}}},
    {"event_id":"$new","type":"m.room.message","sender":"@alice:example.org","origin_server_ts":5,"content":{"msgtype":"m.text","body":"hello bot"}}]}}},
  "invite":{"!later:example.org":{"invite_state":{"events":[
    {"type":"m.room.member","state_key":"@relay:example.org","sender":"@alice:example.org","content":{"membership":"invite"}}]}}}}}`

func listen(t *testing.T, c *Client) (<-chan relay.Inbound, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan relay.Inbound, 8)
	done := make(chan error, 1)
	go func() { done <- c.Listen(ctx, func(in relay.Inbound) { got <- in }) }()

	stop := func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("Listen did not stop")
		}
	}
	t.Cleanup(cancel)
	return got, stop
}

func TestListen_DeliversNewTextFromOthers(t *testing.T) {
	f := &fakeHomeserver{syncs: []string{initialSync, liveSync}}
	c := newTestClient(t, f, time.Second)

	got, stop := listen(t, c)

	select {
	case in := <-got:
		require.Equal(t, relay.Inbound{ConversationID: room, Text: "hello bot", EventID: "$new"}, in)
	case <-time.After(3 * time.Second):
		t.Fatal("no message delivered")
	}
	stop()
	require.Empty(t, got)

	require.Len(t, f.find(http.MethodPost, "/_matrix/client/v3/rooms/!new:example.org/join"), 1, "invite from initial sync")
	require.Len(t, f.find(http.MethodPost, "/_matrix/client/v3/rooms/!later:example.org/join"), 1, "invite from live sync")
}

func TestListen_RetriesFailedSyncAfterDelay(t *testing.T) {
	const retryDelay = 100 * time.Millisecond
	f := &fakeHomeserver{syncs: []string{initialSync, liveSync}, failSync: 1}
	c := newTestClient(t, f, retryDelay)

	got, stop := listen(t, c)

	select {
	case in := <-got:
		require.Equal(t, "hello bot", in.Text)
	case <-time.After(3 * time.Second):
		t.Fatal("no message delivered after sync failure")
	}
	stop()

	syncs := f.find(http.MethodGet, "/_matrix/client/v3/sync")
	require.GreaterOrEqual(t, len(syncs), 3)
	require.GreaterOrEqual(t, syncs[1].At.Sub(syncs[0].At), retryDelay)
}

func TestListen_WhoAmIFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"errcode":"M_UNKNOWN_TOKEN","error":"bad token"}`)
	}))
	t.Cleanup(srv.Close)
	c, err := New(config.MatrixConfig{HomeserverURL: srv.URL, AccessToken: "token"})
	require.NoError(t, err)

	err = c.Listen(context.Background(), func(relay.Inbound) {})
	require.ErrorIs(t, err, mautrix.MUnknownToken)
}
