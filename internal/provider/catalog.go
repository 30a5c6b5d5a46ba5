package provider

import (
	"context"
	"sync"

	"broadcastd/internal/broadcast"

	"github.com/cockroachdb/errors"
)

// Catalog is the read-only project and template lookup used before dispatch.
// storage.CatalogStore satisfies it.
type Catalog interface {
	Project(ctx context.Context, id string) (broadcast.Project, error)
	Template(ctx context.Context, projectID, ref string) (broadcast.Template, error)
}

// MemoryCatalog is a static catalog, typically seeded from config.
type MemoryCatalog struct {
	mu        sync.RWMutex
	projects  map[string]broadcast.Project
	templates map[string]broadcast.Template
}

func NewMemoryCatalog(projects []broadcast.Project, templates []broadcast.Template) *MemoryCatalog {
	c := &MemoryCatalog{
		projects:  make(map[string]broadcast.Project, len(projects)),
		templates: make(map[string]broadcast.Template, len(templates)),
	}
	for _, p := range projects {
		c.projects[p.ID] = p
	}
	for _, t := range templates {
		c.templates[t.ProjectID+"/"+t.Ref] = t
	}
	return c
}

func (c *MemoryCatalog) Project(_ context.Context, id string) (broadcast.Project, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.projects[id]
	if !ok {
		return p, errors.WithDetailf(errors.Wrap(broadcast.ErrNotFound, "project"), "project %s", id)
	}
	return p, nil
}

func (c *MemoryCatalog) Template(_ context.Context, projectID, ref string) (broadcast.Template, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[projectID+"/"+ref]
	if !ok {
		return t, errors.WithDetailf(errors.Wrap(broadcast.ErrNotFound, "template"), "template %s/%s", projectID, ref)
	}
	return t, nil
}

// Layered consults each catalog in order and returns the first hit.
type Layered []Catalog

func (l Layered) Project(ctx context.Context, id string) (broadcast.Project, error) {
	var last error = errors.Wrap(broadcast.ErrNotFound, "project")
	for _, c := range l {
		p, err := c.Project(ctx, id)
		if err == nil {
			return p, nil
		}
		last = err
		if !errors.Is(err, broadcast.ErrNotFound) {
			return p, err
		}
	}
	return broadcast.Project{}, last
}

func (l Layered) Template(ctx context.Context, projectID, ref string) (broadcast.Template, error) {
	var last error = errors.Wrap(broadcast.ErrNotFound, "template")
	for _, c := range l {
		t, err := c.Template(ctx, projectID, ref)
		if err == nil {
			return t, nil
		}
		last = err
		if !errors.Is(err, broadcast.ErrNotFound) {
			return t, err
		}
	}
	return broadcast.Template{}, last
}
