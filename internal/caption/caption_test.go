package caption_test

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/post-relay/internal/caption"
	"github.com/DeafMist/post-relay/internal/models"
)

type fixedTag string

func (f fixedTag) Line(time.Time) string { return string(f) }

func TestBuild(t *testing.T) {
	tests := []struct {
		name   string
		record models.PostRecord
		tag    caption.TagLiner
		want   string
	}{
		{name: "all parts", record: models.PostRecord{Title: "T", Content: "C", URL: "https://x.io"}, tag: fixedTag("#tag"), want: "T\n\nC\n\nhttps://x.io\n\n#tag"},
		{name: "no tag liner", record: models.PostRecord{Title: "T", Content: "C"}, want: "T\n\nC"},
		{name: "empty tag", record: models.PostRecord{Title: "T"}, tag: fixedTag(" "), want: "T"},
		{name: "only tag", record: models.PostRecord{}, tag: fixedTag("#tag"), want: "#tag"},
		{name: "trims parts", record: models.PostRecord{Title: "  T ", Content: "\nC\n"}, want: "T\n\nC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := caption.Builder{TagLine: tt.tag}
			require.Equal(t, tt.want, b.Build(tt.record))
		})
	}
}

func TestMicroblogShortCaptionUnchanged(t *testing.T) {
	require.Equal(t, "hello\n#tag", caption.Microblog("hello\n#tag", 280))
}

func TestMicroblogKeepsTagLine(t *testing.T) {
	body := strings.Repeat("word ", 100)
	tag := "#JusticeForAll #NoMoreDelays"
	got := caption.Microblog(body+"\n\n"+tag, 280)

	require.LessOrEqual(t, utf8.RuneCountInString(got), 280)
	require.True(t, strings.HasSuffix(got, "...\n"+tag))
	require.True(t, strings.HasPrefix(got, "word word"))
}

func TestMicroblogMultibyte(t *testing.T) {
	body := strings.Repeat("न्याय ", 80)
	got := caption.Microblog(body+"\n#न्याय", 100)
	require.True(t, utf8.ValidString(got))
	require.LessOrEqual(t, utf8.RuneCountInString(got), 100)
	require.True(t, strings.HasSuffix(got, "\n#न्याय"))
}

func TestMicroblogWithoutTagLine(t *testing.T) {
	got := caption.Microblog(strings.Repeat("a", 300), 280)
	require.Equal(t, 280, utf8.RuneCountInString(got))
	require.True(t, strings.HasSuffix(got, "..."))
}

func TestMicroblogTagLineTooLong(t *testing.T) {
	got := caption.Microblog("body\n"+strings.Repeat("#", 300), 280)
	require.Equal(t, 280, utf8.RuneCountInString(got))
}

func TestElapsed(t *testing.T) {
	since := time.Date(2025, 9, 8, 0, 0, 0, 0, time.UTC)
	require.Equal(t, "5 days, 1 hour, 1 minute", caption.Elapsed(since, since.Add(5*24*time.Hour+time.Hour+time.Minute)))
	require.Equal(t, "2 hours", caption.Elapsed(since, since.Add(2*time.Hour)))
	require.Equal(t, "just started", caption.Elapsed(since, since.Add(30*time.Second)))
	require.Equal(t, "not started yet", caption.Elapsed(since, since.Add(-time.Hour)))
}

func TestCounterLine(t *testing.T) {
	since := time.Date(2025, 9, 8, 0, 0, 0, 0, time.UTC)
	c := caption.Counter{
		Since:    since,
		Template: "⏰ Waiting for justice since %s",
		Hashtags: []string{"#JusticeForGenZ"},
	}

	got := c.Line(since.Add(3*24*time.Hour + 2*time.Minute))
	require.Equal(t, "⏰ Waiting for justice since 3 days, 2 minutes #JusticeForGenZ #3DaysWaiting", got)
	require.Equal(t, []string{"#JusticeForGenZ"}, c.Hashtags)
}

func TestCounterWithoutStart(t *testing.T) {
	c := caption.Counter{Hashtags: []string{"#a", "#b"}}
	require.Equal(t, "#a #b", c.Line(time.Now()))
	require.Empty(t, caption.Counter{}.Line(time.Now()))
}
