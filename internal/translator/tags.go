package translator

import (
	"context"

	"tasksync/internal/model"
)

type TagStore interface {
	GetTagsByName(ctx context.Context, names []string) ([]model.TagData, error)
	CreateTag(ctx context.Context, tag *model.TagData) error
}

type Tags struct {
	store TagStore
}

func NewTags(store TagStore) *Tags {
	return &Tags{store: store}
}

// Resolve returns a tag for every name, creating the missing ones. Names are
// matched exactly.
func (r *Tags) Resolve(ctx context.Context, names []string) ([]model.TagData, error) {
	seen := make(map[string]struct{}, len(names))
	unique := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := seen[name]; ok || name == "" {
			continue
		}
		seen[name] = struct{}{}
		unique = append(unique, name)
	}
	if len(unique) == 0 {
		return nil, nil
	}

	existing, err := r.store.GetTagsByName(ctx, unique)
	if err != nil {
		return nil, err
	}
	found := make(map[string]struct{}, len(existing))
	for _, tag := range existing {
		found[tag.Name] = struct{}{}
	}
	out := existing
	for _, name := range unique {
		if _, ok := found[name]; ok {
			continue
		}
		tag := &model.TagData{Name: name}
		if err := r.store.CreateTag(ctx, tag); err != nil {
			return nil, err
		}
		out = append(out, *tag)
	}
	return out, nil
}
