package registry

import (
	"context"

	"github.com/specialistvlad/rendergrid/internal/sandbox"
)

// Renderer turns props into markup.
type Renderer interface {
	Render(ctx context.Context, props map[string]any) (string, error)
}

// RendererFunc adapts a function into a Renderer.
type RendererFunc func(ctx context.Context, props map[string]any) (string, error)

func (f RendererFunc) Render(ctx context.Context, props map[string]any) (string, error) {
	return f(ctx, props)
}

// scriptRenderer calls a function exported by a component bundle.
type scriptRenderer struct {
	exp *sandbox.Export
}

// Render returns "" when the function returned a falsy value.
func (r scriptRenderer) Render(ctx context.Context, props map[string]any) (string, error) {
	res, err := r.exp.Call(ctx, props)
	if err != nil {
		return "", err
	}
	if !res.Truthy {
		return "", nil
	}
	return res.Text, nil
}

// rendererFor picks the callable out of a component's exports: the exports
// themselves, or their default member for transpiled ES modules.
func rendererFor(exp *sandbox.Export) Renderer {
	if exp.Callable() {
		return scriptRenderer{exp: exp}
	}
	if def, ok := exp.Member("default"); ok && def.Callable() {
		return scriptRenderer{exp: def}
	}
	return nil
}
