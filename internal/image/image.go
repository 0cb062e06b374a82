// Package image makes sure images exist locally before containers are
// created from them.
package image

import (
	"context"
	"fmt"
	"strings"

	"github.com/chainguard-dev/testcontainers/internal/log"
	"github.com/chainguard-dev/testcontainers/internal/runtime"
	"github.com/chainguard-dev/testcontainers/internal/striped"
	"github.com/google/go-containerregistry/pkg/name"
)

// Ref names an image by repository and tag. ID is empty until the image has
// been resolved locally.
type Ref struct {
	Name string
	Tag  string
	ID   string

	canonical string
}

// Parse splits s into repository and tag, defaulting the tag to latest.
// Digest references are rejected since pulls go by tag.
func Parse(s string) (Ref, error) {
	ref, err := name.ParseReference(s, name.WithDefaultTag("latest"))
	if err != nil {
		return Ref{}, fmt.Errorf("parsing image reference %q: %w", s, err)
	}

	tag, ok := ref.(name.Tag)
	if !ok {
		return Ref{}, fmt.Errorf("image reference %q: digest references are not supported", s)
	}

	repo := s
	if i := strings.LastIndex(s, ":"); i > strings.LastIndex(s, "/") {
		repo = s[:i]
	}

	return Ref{
		Name:      repo,
		Tag:       tag.TagStr(),
		canonical: tag.Name(),
	}, nil
}

// MustParse is Parse for constants. It panics on error.
func MustParse(s string) Ref {
	r, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return r
}

// String returns name:tag.
func (r Ref) String() string {
	return r.Name + ":" + r.Tag
}

// Matches reports whether a local repo tag refers to the same image, so
// "postgres:16" and "docker.io/library/postgres:16" are equal.
func (r Ref) Matches(repoTag string) bool {
	if repoTag == r.String() {
		return true
	}
	other, err := name.NewTag(repoTag)
	if err != nil {
		return false
	}
	canonical := r.canonical
	if canonical == "" {
		t, err := name.NewTag(r.String())
		if err != nil {
			return false
		}
		canonical = t.Name()
	}
	return other.Name() == canonical
}

// Resolver pulls missing images. Concurrent resolutions of the same image
// share one pull; unrelated images never wait on each other.
type Resolver struct {
	cli   runtime.Client
	locks *striped.Locks
}

func NewResolver(cli runtime.Client) *Resolver {
	return &Resolver{cli: cli, locks: striped.New()}
}

// Resolve returns ref with its local ID set, pulling it first if needed.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return ref, err
	}

	if id, err := r.local(ctx, ref); err != nil {
		return ref, err
	} else if id != "" {
		ref.ID = id
		return ref, nil
	}

	unlock, err := r.locks.Lock(ctx, ref.String())
	if err != nil {
		return ref, fmt.Errorf("waiting for image lock %s: %w", ref, err)
	}
	defer unlock()

	// Another caller may have pulled while we waited for the lock.
	if id, err := r.local(ctx, ref); err != nil {
		return ref, err
	} else if id != "" {
		ref.ID = id
		return ref, nil
	}

	log.Info(ctx, "pulling image", "image", ref.String())
	if err := r.cli.PullImage(ctx, ref.Name, ref.Tag); err != nil {
		return ref, fmt.Errorf("pulling image %s: %w", ref, err)
	}

	id, err := r.cli.InspectImage(ctx, ref.String())
	if err != nil {
		return ref, fmt.Errorf("inspecting pulled image %s: %w", ref, err)
	}
	ref.ID = id
	return ref, nil
}

func (r *Resolver) local(ctx context.Context, ref Ref) (string, error) {
	images, err := r.cli.ListImages(ctx)
	if err != nil {
		return "", fmt.Errorf("listing images: %w", err)
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if ref.Matches(tag) {
				return img.ID, nil
			}
		}
	}
	return "", nil
}
