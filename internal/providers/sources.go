package providers

import (
	"net/url"
	"strings"

	"github.com/target/research-fanout/internal/domain/model"
)

// newSource builds a Source, deriving Domain from the URL host.
func newSource(rawURL, title string) (model.Source, bool) {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return model.Source{}, false
	}
	return model.Source{
		URL:    rawURL,
		Title:  strings.TrimSpace(title),
		Domain: strings.TrimPrefix(strings.ToLower(u.Hostname()), "www."),
	}, true
}

// sourceSet collects sources in first-seen order, keyed by URL.
type sourceSet struct {
	seen map[string]int
	list []model.Source
}

func (s *sourceSet) add(rawURL, title string) {
	src, ok := newSource(rawURL, title)
	if !ok {
		return
	}
	if s.seen == nil {
		s.seen = make(map[string]int)
	}
	if i, dup := s.seen[src.URL]; dup {
		if s.list[i].Title == "" {
			s.list[i].Title = src.Title
		}
		return
	}
	s.seen[src.URL] = len(s.list)
	s.list = append(s.list, src)
}

func (s *sourceSet) sources() []model.Source {
	if len(s.list) == 0 {
		return []model.Source{}
	}
	return s.list
}
