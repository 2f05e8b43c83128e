package content

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const idxVideos = "recovery_videos"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client   meili.ServiceManager
	log      *zap.Logger
	healthy  atomic.Bool
	interval time.Duration
	done     chan struct{}
}

// NewMeili connects to Meilisearch and configures the video index. An
// unreachable server leaves the searcher unhealthy; the health loop keeps
// probing it.
func NewMeili(url, apiKey string, log *zap.Logger) *Meili {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Meili{
		client:   meili.New(url, meili.WithAPIKey(apiKey)),
		log:      log,
		interval: 10 * time.Second,
		done:     make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		log.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxVideos, PrimaryKey: "id"}); err != nil {
		m.log.Debug("create index (may already exist)", zap.String("index", idxVideos), zap.Error(err))
	}

	index := m.client.Index(idxVideos)
	filterable := []interface{}{"topic"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("update filterable attributes", zap.String("index", idxVideos), zap.Error(err))
	}
	searchable := []string{"title", "topic"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("update searchable attributes", zap.String("index", idxVideos), zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Video, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	sr := &meili.SearchRequest{
		IndexUID: idxVideos,
		Query:    q.Text,
		Limit:    int64(normalizeLimit(q.Limit)),
	}
	if q.Topic != "" {
		sr.Filter = fmt.Sprintf("topic = %q", q.Topic)
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var videos []Video
	total := 0
	for _, res := range resp.Results {
		total += int(res.EstimatedTotalHits)
		for _, hit := range res.Hits {
			videos = append(videos, hitToVideo(hit))
		}
	}
	return videos, total, nil
}

func hitToVideo(hit meili.Hit) Video {
	return Video{
		ID:        decodeString(hit, "id"),
		Title:     decodeString(hit, "title"),
		Topic:     decodeString(hit, "topic"),
		URL:       decodeString(hit, "url"),
		Thumbnail: decodeString(hit, "thumbnail"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// IndexVideos adds or replaces videos in the index.
func (m *Meili) IndexVideos(videos []Video) error {
	if len(videos) == 0 {
		return nil
	}
	_, err := m.client.Index(idxVideos).AddDocuments(videos, nil)
	return err
}
