package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultLocalEndpoints are the base URLs probed by `models scan` when the
// config does not name a local runtime explicitly.
var DefaultLocalEndpoints = map[string]string{
	"ollama":   "http://127.0.0.1:11434/v1",
	"lmstudio": "http://127.0.0.1:1234/v1",
	"vllm":     "http://127.0.0.1:8000/v1",
}

const probeTimeout = 2 * time.Second

// ProbeLocal checks whether an OpenAI-compatible local runtime answers at
// baseURL and returns the model ids it advertises. The probe is bounded at
// 2s; an unreachable runtime returns an error, not a hang.
func ProbeLocal(ctx context.Context, provider, baseURL string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	url := strings.TrimRight(baseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s not reachable at %s: %w", provider, baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s probe: HTTP %d", provider, resp.StatusCode)
	}

	var doc struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
		// Ollama's native /api/tags shape, for probes pointed at it directly.
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s probe: decode: %w", provider, err)
	}

	var ids []string
	for _, m := range doc.Data {
		if m.ID != "" {
			ids = append(ids, provider+"/"+m.ID)
		}
	}
	for _, m := range doc.Models {
		if m.Name != "" {
			ids = append(ids, provider+"/"+m.Name)
		}
	}
	return ids, nil
}
