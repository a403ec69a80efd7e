package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
)

// Factory builds a plugin from the body of its `plugin "<name>" {}` block.
type Factory func(ctx context.Context, body hcl.Body) (Plugin, error)

// Module is implemented by every built-in plugin package so it can add its
// factory to a Catalog.
type Module interface {
	Register(c *Catalog)
}

// Catalog maps plugin names to factories.
type Catalog struct {
	factories map[string]Factory
}

// NewCatalog creates a catalog and registers every given module into it.
func NewCatalog(modules ...Module) *Catalog {
	c := &Catalog{factories: make(map[string]Factory)}
	for _, m := range modules {
		m.Register(c)
	}
	return c
}

// Register adds a factory. Registering the same name twice is a programming
// error and panics.
func (c *Catalog) Register(name string, f Factory) {
	if _, exists := c.factories[name]; exists {
		panic(fmt.Sprintf("plugin with name '%s' already registered", name))
	}
	slog.Debug("Registering plugin.", "name", name)
	c.factories[name] = f
}

// Build instantiates the named plugin.
func (c *Catalog) Build(ctx context.Context, name string, body hcl.Body) (Plugin, error) {
	f, ok := c.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown plugin '%s' (known: %v)", name, c.Names())
	}
	if body == nil {
		body = hcl.EmptyBody()
	}
	p, err := f(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build plugin '%s': %w", name, err)
	}
	return p, nil
}

// Names lists registered plugin names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodeBody decodes a plugin block body into target, a pointer to a struct
// with hcl tags.
func DecodeBody(body hcl.Body, target any) error {
	if diags := gohcl.DecodeBody(body, nil, target); diags.HasErrors() {
		return diags
	}
	return nil
}
