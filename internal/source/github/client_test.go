package github

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"gitwatch/internal/watch"
)

func TestParseRepoName(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "golang/go", want: "golang/go"},
		{in: "  foo-bar/baz.js ", want: "foo-bar/baz.js"},
		{in: "https://github.com/golang/go", want: "golang/go"},
		{in: "https://github.com/golang/go/", want: "golang/go"},
		{in: "https://github.com/golang/go/issues/123", want: "golang/go"},
		{in: "https://github.com/golang/go.git", want: "golang/go"},
		{in: "github.com/rs/zerolog", want: "rs/zerolog"},
		{in: "http://www.github.com/a/b", want: "a/b"},
		{in: "", wantErr: true},
		{in: "golang", wantErr: true},
		{in: "a/b/c", wantErr: true},
		{in: "a b/c", wantErr: true},
		{in: "https://gitlab.com/a/b", wantErr: true},
		{in: "https://github.com/onlyowner", wantErr: true},
		{in: "owner/..", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseRepoName(tc.in)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidName) {
					t.Fatalf("ParseRepoName(%q) = %q, %v; want ErrInvalidName", tc.in, got, err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("ParseRepoName(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
			}
		})
	}
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return New(Config{
		BaseURL:       ts.URL,
		Token:         "tok",
		RatePerSec:    1000,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	}, WithHTTPClient(ts.Client()))
}

func TestFetchEntity(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octo/hello", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		_, _ = w.Write([]byte(`{"id":42,"full_name":"octo/Hello","stargazers_count":12,"subscribers_count":3,
			"open_issues_count":7,"forks_count":2,"description":"hi","language":"Go","size":99}`))
	})
	mux.HandleFunc("/search/issues", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "repo:octo/Hello is:pr is:open" {
			t.Errorf("q = %q", got)
		}
		_, _ = w.Write([]byte(`{"total_count":4}`))
	})
	c := newTestClient(t, mux)

	s, err := c.FetchEntity(context.Background(), "octo/hello")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := watch.Counters{Stars: 12, Watchers: 3, Issues: 3, Pulls: 4, Forks: 2}
	if s.EntityID != 42 || s.FullName != "octo/Hello" || s.Counters != want {
		t.Fatalf("snapshot = %+v", s)
	}
	if s.Language != "Go" || s.Size != 99 || s.Description != "hi" {
		t.Fatalf("metadata = %+v", s)
	}
}

func TestFetchEntityClassification(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		handler   http.HandlerFunc
		wantKind  watch.Kind
		wantCalls int32
	}{
		{
			name: "not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"message":"Not Found"}`))
			},
			wantKind:  watch.KindNotFound,
			wantCalls: 1,
		},
		{
			name: "rate limit header",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.WriteHeader(http.StatusForbidden)
			},
			wantKind:  watch.KindRateLimited,
			wantCalls: 1,
		},
		{
			name: "rate limit message",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"message":"API rate limit exceeded for 1.2.3.4."}`))
			},
			wantKind:  watch.KindRateLimited,
			wantCalls: 1,
		},
		{
			name: "server error retried",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantKind:  watch.KindOther,
			wantCalls: 3,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int32
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				tc.handler(w, r)
			}))
			_, err := c.FetchEntity(context.Background(), "a/b")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := watch.KindOf(err); got != tc.wantKind {
				t.Fatalf("kind = %v, want %v (err=%v)", got, tc.wantKind, err)
			}
			if got := calls.Load(); got != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", got, tc.wantCalls)
			}
		})
	}
}

func TestFetchEntityRecoversAfterTransientError(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/a/b", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"id":1,"full_name":"a/b","stargazers_count":1,"open_issues_count":0}`))
	})
	mux.HandleFunc("/search/issues", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"total_count":0}`))
	})
	c := newTestClient(t, mux)

	s, err := c.FetchEntity(context.Background(), "a/b")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if s.Stars != 1 || calls.Load() != 2 {
		t.Fatalf("stars=%d calls=%d", s.Stars, calls.Load())
	}
}

func TestFetchEntityInvalidName(t *testing.T) {
	t.Parallel()
	c := New(Config{BaseURL: "http://127.0.0.1:1"})
	_, err := c.FetchEntity(context.Background(), "nope")
	if !errors.Is(err, watch.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
