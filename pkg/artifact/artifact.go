// Package artifact stores notebook files and job results in object
// storage. Results land in a public or a private bucket depending on the
// job's result visibility.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// ErrNotFound indicates the requested object does not exist.
var ErrNotFound = errors.New("artifact not found")

// Store abstracts the object store operations the controller needs.
type Store interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	ListPrefix(ctx context.Context, prefix string) ([]string, error)
}

// NotebookKey returns the canonical key for a job's notebook upload.
func NotebookKey(identifier, filename string) string {
	return path.Join("jobs", identifier, filename)
}

// NotebookName extracts the file name from a notebook key.
func NotebookName(key string) string {
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		return key[i+1:]
	}
	return key
}

// Results groups a job's result keys by the first path segment below the
// job prefix, preserving the listing order within each group.
func Results(ctx context.Context, store Store, identifier string) (map[string][]string, error) {
	keys, err := store.ListPrefix(ctx, identifier+"/")
	if err != nil {
		return nil, fmt.Errorf("list results for %s: %w", identifier, err)
	}

	results := make(map[string][]string)
	for _, key := range keys {
		rest := strings.TrimPrefix(key, identifier+"/")
		segment, _, found := strings.Cut(rest, "/")
		if !found || segment == "" {
			continue
		}
		results[segment] = append(results[segment], key)
	}
	for _, group := range results {
		sort.Strings(group)
	}
	return results, nil
}
