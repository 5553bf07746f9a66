package feedpage_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeafMist/post-relay/internal/platform"
	"github.com/DeafMist/post-relay/internal/platform/feedpage"
)

type call struct {
	Path string
	Form url.Values
}

func newGraph(t *testing.T, handler func(w http.ResponseWriter, path string, form url.Values)) (*httptest.Server, *[]call) {
	t.Helper()
	var mu sync.Mutex
	calls := &[]call{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "page-token", r.PostForm.Get("access_token"))
		mu.Lock()
		*calls = append(*calls, call{Path: r.URL.Path, Form: r.PostForm})
		mu.Unlock()
		handler(w, r.URL.Path, r.PostForm)
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func TestPublishText(t *testing.T) {
	srv, calls := newGraph(t, func(w http.ResponseWriter, _ string, _ url.Values) {
		_, _ = io.WriteString(w, `{"id":"page_1"}`)
	})
	c := feedpage.New(srv.URL, "123", "page-token")

	out, err := c.PublishText(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, "page_1", out.ExternalID)
	require.Equal(t, "/123/feed", (*calls)[0].Path)
	require.Equal(t, "hello", (*calls)[0].Form.Get("message"))
}

func TestPublishWithImagesAttachesUploaded(t *testing.T) {
	srv, calls := newGraph(t, func(w http.ResponseWriter, path string, form url.Values) {
		switch path {
		case "/123/photos":
			if form.Get("url") == "https://img/bad.jpg" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, `{"error":{"message":"bad image"}}`)
				return
			}
			_, _ = io.WriteString(w, `{"id":"photo-`+form.Get("url")[len(form.Get("url"))-5:len(form.Get("url"))-4]+`"}`)
		case "/123/feed":
			_, _ = io.WriteString(w, `{"id":"page_2"}`)
		}
	})
	var logs bytes.Buffer
	c := feedpage.New(srv.URL, "123", "page-token", feedpage.WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))

	out, err := c.PublishWithImages(context.Background(), "caption", []string{"https://img/a.jpg", "https://img/bad.jpg", "https://img/b.jpg"})
	require.NoError(t, err)
	require.Equal(t, "page_2", out.ExternalID)

	require.Len(t, *calls, 4)
	require.Equal(t, "false", (*calls)[0].Form.Get("published"))
	feed := (*calls)[3]
	require.Equal(t, "/123/feed", feed.Path)
	require.JSONEq(t, `[{"media_fbid":"photo-a"},{"media_fbid":"photo-b"}]`, feed.Form.Get("attached_media"))

	require.Contains(t, logs.String(), `"msg":"skip photo"`)
	require.Contains(t, logs.String(), "https://img/bad.jpg")
}

func TestPublishVideo(t *testing.T) {
	srv, calls := newGraph(t, func(w http.ResponseWriter, _ string, _ url.Values) {
		_, _ = io.WriteString(w, `{"id":"video_9"}`)
	})
	c := feedpage.New(srv.URL, "123", "page-token")

	out, err := c.PublishVideo(context.Background(), "caption", "https://cdn/v.mp4")
	require.NoError(t, err)
	require.Equal(t, "video_9", out.ExternalID)
	require.Equal(t, "/123/videos", (*calls)[0].Path)
	require.Equal(t, "https://cdn/v.mp4", (*calls)[0].Form.Get("file_url"))
	require.Equal(t, "caption", (*calls)[0].Form.Get("description"))
}

func TestReshareLinksExistingPost(t *testing.T) {
	srv, calls := newGraph(t, func(w http.ResponseWriter, _ string, _ url.Values) {
		_, _ = io.WriteString(w, `{"id":"page_3"}`)
	})
	c := feedpage.New(srv.URL, "123", "page-token", feedpage.WithPermalinkBase("https://fb.example/"))

	out, err := c.Reshare(context.Background(), "123_456")
	require.NoError(t, err)
	require.Equal(t, "page_3", out.ExternalID)
	require.Equal(t, "https://fb.example/123_456", (*calls)[0].Form.Get("link"))
}

func TestAPIError(t *testing.T) {
	srv, _ := newGraph(t, func(w http.ResponseWriter, _ string, _ url.Values) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error":{"message":"token expired"}}`)
	})
	c := feedpage.New(srv.URL, "123", "page-token")

	_, err := c.PublishText(context.Background(), "hello")
	var apiErr *platform.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusForbidden, apiErr.Status)
	require.Contains(t, apiErr.Body, "token expired")
}
