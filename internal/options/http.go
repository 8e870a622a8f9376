package options

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/actionbridge/actionbridge/pkg/models"
	"github.com/tidwall/gjson"
)

const maxOptionBody = 4 << 20 // 4 MiB response cap

// HTTPSource fetches options from a remote endpoint and extracts parallel
// label/value arrays with gjson paths.
type HTTPSource struct {
	client *http.Client
}

// NewHTTPSource creates an HTTP source with the given request timeout.
func NewHTTPSource(timeout time.Duration) *HTTPSource {
	return &HTTPSource{client: &http.Client{Timeout: timeout}}
}

func (*HTTPSource) SupportedType() models.SourceType { return models.SourceHTTP }

func (s *HTTPSource) Handle(ctx context.Context, _ string, cfg *models.OptionSourceConfig) ([]models.Option, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http source declares no url")
	}
	if cfg.LabelPath == "" || cfg.ValuePath == "" {
		return nil, fmt.Errorf("http source needs label_path and value_path")
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if cfg.Body != "" {
		body = strings.NewReader(cfg.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build options request: %w", err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	if cfg.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch options: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("options endpoint returned %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxOptionBody))
	if err != nil {
		return nil, fmt.Errorf("read options response: %w", err)
	}

	labels := gjson.GetBytes(raw, cfg.LabelPath)
	values := gjson.GetBytes(raw, cfg.ValuePath)
	if !labels.IsArray() || !values.IsArray() {
		return nil, fmt.Errorf("label_path/value_path did not resolve to arrays")
	}
	la, va := labels.Array(), values.Array()
	if len(la) != len(va) {
		// Mismatched arrays are a config error, not user data to guess at.
		return nil, fmt.Errorf("label array (%d) and value array (%d) differ in length", len(la), len(va))
	}

	out := make([]models.Option, 0, len(la))
	for i := range la {
		out = append(out, models.Option{Label: la[i].String(), Value: va[i].String()})
	}
	return out, nil
}
