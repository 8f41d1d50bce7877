package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// maxMetadataBytes caps metadata downloads.
const maxMetadataBytes = 1 << 20

// Metadata is the subset of a Teachable Machine metadata.json the runtime reads.
type Metadata struct {
	ModelName  string   `json:"modelName"`
	TMVersion  string   `json:"tmVersion"`
	ImageSize  int      `json:"imageSize,omitempty"`
	Labels     []string `json:"labels,omitempty"`
	WordLabels []string `json:"wordLabels,omitempty"`
}

// Vocabulary returns the class labels in model output order.
func (m Metadata) Vocabulary() []string {
	if len(m.Labels) > 0 {
		return m.Labels
	}
	return m.WordLabels
}

// LoadMetadata fetches and decodes metadata from an http(s) URL, a file:// URL or a path.
func LoadMetadata(ctx context.Context, client *http.Client, location string) (Metadata, error) {
	data, err := fetch(ctx, client, location)
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata %s: %w", location, err)
	}
	if len(meta.Vocabulary()) == 0 {
		return Metadata{}, fmt.Errorf("metadata %s declares no labels", location)
	}
	return meta, nil
}

func fetch(ctx context.Context, client *http.Client, location string) ([]byte, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parse location %q: %w", location, err)
	}
	switch u.Scheme {
	case "http", "https":
		if client == nil {
			client = http.DefaultClient
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", location, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("fetch %s: status %s", location, resp.Status)
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	case "file":
		return os.ReadFile(u.Path)
	case "":
		return os.ReadFile(location)
	default:
		return nil, errors.New("unsupported metadata scheme " + strings.ToLower(u.Scheme))
	}
}
