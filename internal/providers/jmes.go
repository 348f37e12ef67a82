package providers

import (
	"encoding/json"
	"fmt"

	"github.com/jmespath-community/go-jmespath"
)

// document is a decoded JSON body queried with JMESPath expressions.
type document struct {
	data any
}

func parseDocument(raw []byte) (document, error) {
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return document{}, fmt.Errorf("decode response: %w", err)
	}
	return document{data: data}, nil
}

func (d document) search(expr string) any {
	v, err := jmespath.Search(expr, d.data)
	if err != nil {
		return nil
	}
	return v
}

// strings returns the string elements of a list result.
func (d document) strings(expr string) []string {
	list, _ := d.search(expr).([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (d document) string(expr string) string {
	s, _ := d.search(expr).(string)
	return s
}

func (d document) int64(expr string) int64 {
	f, _ := d.search(expr).(float64)
	return int64(f)
}

func (d document) float(expr string) (float64, bool) {
	f, ok := d.search(expr).(float64)
	return f, ok
}

// links returns {url, title} objects from a list result.
func (d document) links(expr string) [][2]string {
	list, _ := d.search(expr).([]any)
	out := make([][2]string, 0, len(list))
	for _, v := range list {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		u, _ := m["url"].(string)
		title, _ := m["title"].(string)
		if u != "" {
			out = append(out, [2]string{u, title})
		}
	}
	return out
}
