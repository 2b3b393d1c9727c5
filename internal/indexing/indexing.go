// Package indexing resets downstream indexing services once a level 7
// collection has been deposited, so they re-read the collection.
package indexing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Service is one indexing endpoint: POST <URL>/<collectionId>.
type Service struct {
	Name    string
	URL     string
	Timeout time.Duration
}

// Resetter resets one indexing service.
type Resetter struct {
	name       string
	url        string
	httpClient *http.Client
}

// New 建立 Resetter
func New(s Service) (*Resetter, error) {
	if s.URL == "" {
		return nil, errors.New("indexing: service url is empty")
	}
	if _, err := url.Parse(s.URL); err != nil {
		return nil, fmt.Errorf("indexing: invalid url for %s: %w", s.Name, err)
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	name := s.Name
	if name == "" {
		name = s.URL
	}
	return &Resetter{
		name:       name,
		url:        strings.TrimRight(s.URL, "/"),
		httpClient: &http.Client{Timeout: s.Timeout},
	}, nil
}

// NewAll builds one Resetter per service.
func NewAll(services []Service) ([]*Resetter, error) {
	out := make([]*Resetter, 0, len(services))
	for _, s := range services {
		r, err := New(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (r *Resetter) Name() string { return r.name }

// Reset asks the service to drop and rebuild its index of the collection.
// Any non-2xx answer is an error.
func (r *Resetter) Reset(ctx context.Context, collectionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+"/"+url.PathEscape(collectionID), nil)
	if err != nil {
		return err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("indexing: reset %s on %s: %w", collectionID, r.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("indexing: reset %s on %s: status %d: %s",
			collectionID, r.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
