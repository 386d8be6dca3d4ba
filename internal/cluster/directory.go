package cluster

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ErrUnknownCluster is returned by Directory.Get for an unregistered URI.
var ErrUnknownCluster = errors.New("unknown cluster")

// Directory maps cluster URIs to clients.
type Directory struct {
	mu      sync.RWMutex
	clients map[string]Client
}

func NewDirectory() *Directory {
	return &Directory{clients: make(map[string]Client)}
}

func normalizeURI(uri string) string {
	return strings.TrimRight(strings.TrimSpace(uri), "/")
}

// Register sets the client for uri, replacing any earlier one.
func (d *Directory) Register(uri string, c Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients[normalizeURI(uri)] = c
}

func (d *Directory) Get(uri string) (Client, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.clients[normalizeURI(uri)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCluster, uri)
	}
	return c, nil
}

// URIs lists registered cluster URIs in order.
func (d *Directory) URIs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.clients))
	for uri := range d.clients {
		out = append(out, uri)
	}
	slices.Sort(out)
	return out
}
