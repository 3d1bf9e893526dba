package perception

import (
	"context"
	"fmt"
)

// ContentItem is one discrete unit a ResourceReader splits a resource into,
// the granularity the relevance scorer and dedup set both operate on.
type ContentItem struct {
	Content string
	Ref     string
}

// ResourceReader fetches and splits the content of one resource URI. The
// transport reaching the resource is a capability boundary like
// skill.Invoker; Perception depends only on this interface.
type ResourceReader interface {
	Read(ctx context.Context, uri string) ([]ContentItem, error)
}

// NopResourceReader fabricates a single placeholder item per URI without
// reaching any real external resource. It is the default wired when no real
// resource-fetch transport is configured, matching skill.NopInvoker's role
// for the tool-invocation boundary.
type NopResourceReader struct{}

func (NopResourceReader) Read(_ context.Context, uri string) ([]ContentItem, error) {
	return []ContentItem{
		{Content: fmt.Sprintf("placeholder content for %s", uri), Ref: uri},
	}, nil
}
