// Package content serves the educational hub video catalog.
package content

import (
	"fmt"
	"sort"
	"strings"
)

const TopicBodyImage = "body-image"

// Video is a catalog entry hosted on YouTube.
type Video struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Topic     string `json:"topic"`
	URL       string `json:"url"`
	Thumbnail string `json:"thumbnail"`
}

func youtube(id, title, topic string) Video {
	return Video{
		ID:        id,
		Title:     title,
		Topic:     topic,
		URL:       "https://www.youtube.com/watch?v=" + id,
		Thumbnail: fmt.Sprintf("https://img.youtube.com/vi/%s/mqdefault.jpg", id),
	}
}

// Catalog returns the built-in videos in display order.
func Catalog() []Video {
	return []Video{
		youtube("4zbOWNZ8cRg", "Building Positive Body Image", TopicBodyImage),
		youtube("v8l61PpjrE8", "Body Image and Mental Health", TopicBodyImage),
		youtube("pdjaxS4ME2A", "Overcoming Negative Body Thoughts", TopicBodyImage),
		youtube("x000UUTJH7U", "Self-Worth and Body Acceptance", TopicBodyImage),
		youtube("IgqMqtnTJeE", "Healing Body Image Issues", TopicBodyImage),
	}
}

type Query struct {
	Text  string
	Topic string // empty = all topics
	Limit int
}

type Response struct {
	Results []Video `json:"results"`
	Total   int     `json:"total"`
	Query   string  `json:"query"`
}

// Searcher finds catalog videos.
type Searcher interface {
	Search(q Query) ([]Video, int, error)
	Healthy() bool
}

// Memory searches a fixed list of videos by title words.
type Memory struct {
	videos []Video
}

func NewMemory(videos []Video) *Memory {
	return &Memory{videos: append([]Video(nil), videos...)}
}

func (m *Memory) Healthy() bool { return true }

// Search returns the videos whose title contains every word of q.Text,
// keeping catalog order.
func (m *Memory) Search(q Query) ([]Video, int, error) {
	words := strings.Fields(strings.ToLower(q.Text))
	var matched []Video
	for _, v := range m.videos {
		if q.Topic != "" && v.Topic != q.Topic {
			continue
		}
		if containsAll(strings.ToLower(v.Title), words) {
			matched = append(matched, v)
		}
	}
	total := len(matched)
	if limit := normalizeLimit(q.Limit); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

// Topics lists the distinct topics in the list.
func (m *Memory) Topics() []string {
	seen := map[string]bool{}
	var topics []string
	for _, v := range m.videos {
		if !seen[v.Topic] {
			seen[v.Topic] = true
			topics = append(topics, v.Topic)
		}
	}
	sort.Strings(topics)
	return topics
}

func containsAll(s string, words []string) bool {
	for _, w := range words {
		if !strings.Contains(s, w) {
			return false
		}
	}
	return true
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
