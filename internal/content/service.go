package content

import "go.uber.org/zap"

// Service searches Meilisearch when it is healthy and the built-in catalog
// otherwise.
type Service struct {
	meili    *Meili
	fallback *Memory
	log      *zap.Logger
}

// NewService creates the content service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, videos []Video, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{meili: meili, fallback: NewMemory(videos), log: log}
}

func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to catalog", zap.Error(err))
	}

	results, total, _ := s.fallback.Search(q)
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Topics lists the catalog topics.
func (s *Service) Topics() []string {
	return s.fallback.Topics()
}

// Seed pushes the catalog into Meilisearch. Called at startup.
func (s *Service) Seed() {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexVideos(s.fallback.videos); err != nil {
		s.log.Warn("seed video index", zap.Error(err))
	}
}

func nonNil(v []Video) []Video {
	if v == nil {
		return []Video{}
	}
	return v
}
