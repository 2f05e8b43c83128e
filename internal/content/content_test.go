package content

import (
	"strings"
	"testing"
)

func TestCatalogThumbnails(t *testing.T) {
	videos := Catalog()
	if len(videos) != 5 {
		t.Fatalf("expected 5 videos, got %d", len(videos))
	}
	for _, v := range videos {
		want := "https://img.youtube.com/vi/" + v.ID + "/mqdefault.jpg"
		if v.Thumbnail != want {
			t.Fatalf("thumbnail for %s = %q, want %q", v.ID, v.Thumbnail, want)
		}
		if !strings.HasSuffix(v.URL, "v="+v.ID) {
			t.Fatalf("unexpected url %q", v.URL)
		}
	}
}

func TestMemorySearch(t *testing.T) {
	m := NewMemory(Catalog())

	tests := []struct {
		name  string
		q     Query
		total int
		first string
	}{
		{name: "empty query returns all", q: Query{}, total: 5, first: "4zbOWNZ8cRg"},
		{name: "single word", q: Query{Text: "mental"}, total: 1, first: "v8l61PpjrE8"},
		{name: "all words must match", q: Query{Text: "body HEALING"}, total: 1, first: "IgqMqtnTJeE"},
		{name: "topic filter", q: Query{Topic: "nutrition"}, total: 0},
		{name: "limit keeps total", q: Query{Text: "body", Limit: 2}, total: 5, first: "4zbOWNZ8cRg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, total, err := m.Search(tt.q)
			if err != nil {
				t.Fatalf("search: %v", err)
			}
			if total != tt.total {
				t.Fatalf("total = %d, want %d", total, tt.total)
			}
			if tt.q.Limit > 0 && len(got) > tt.q.Limit {
				t.Fatalf("got %d results over limit %d", len(got), tt.q.Limit)
			}
			if tt.first != "" && (len(got) == 0 || got[0].ID != tt.first) {
				t.Fatalf("first result = %+v, want %s", got, tt.first)
			}
		})
	}
}

func TestServiceFallsBackWithoutMeili(t *testing.T) {
	svc := NewService(nil, Catalog(), nil)
	resp := svc.Search(Query{Text: "self-worth"})
	if resp.Total != 1 || resp.Results[0].Title != "Self-Worth and Body Acceptance" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Query != "self-worth" {
		t.Fatalf("query not echoed: %q", resp.Query)
	}

	empty := svc.Search(Query{Text: "no such video"})
	if empty.Results == nil || len(empty.Results) != 0 {
		t.Fatalf("expected empty non-nil results, got %#v", empty.Results)
	}
	if got := svc.Topics(); len(got) != 1 || got[0] != TopicBodyImage {
		t.Fatalf("topics = %v", got)
	}
}

func TestServiceFallsBackWhenMeiliUnreachable(t *testing.T) {
	m := NewMeili("http://127.0.0.1:1", "key", nil)
	defer m.Close()
	if m.Healthy() {
		t.Fatal("expected unreachable meilisearch to be unhealthy")
	}
	if _, _, err := m.Search(Query{Text: "body"}); err == nil {
		t.Fatal("expected search on unhealthy meilisearch to fail")
	}

	svc := NewService(m, Catalog(), nil)
	svc.Seed()
	resp := svc.Search(Query{Text: "body"})
	if resp.Total != 5 {
		t.Fatalf("expected catalog fallback, got %+v", resp)
	}
}
