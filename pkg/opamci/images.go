package opamci

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// ImageResolver pins a base image reference to its current content
// digest. Pinning runs through the cache store with a finite validity
// window, so a variant periodically picks up rebuilt base images even
// though the tag is unchanged.
type ImageResolver interface {
	// ResolveDigest returns the digest-pinned reference for an image
	// tag, e.g. "ocaml/opam@sha256:...".
	ResolveDigest(ctx context.Context, ref string) (string, error)
}

// RegistryResolver resolves image digests against the remote registry.
type RegistryResolver struct{}

var _ ImageResolver = RegistryResolver{}

// ResolveDigest implements ImageResolver
func (RegistryResolver) ResolveDigest(ctx context.Context, ref string) (string, error) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return "", xerrors.Errorf("invalid image reference %s: %w", ref, err)
	}

	desc, err := remote.Head(parsed, remote.WithContext(ctx))
	if err != nil {
		return "", xerrors.Errorf("cannot resolve %s: %w", ref, err)
	}

	pinned := fmt.Sprintf("%s@%s", parsed.Context().Name(), desc.Digest)
	log.WithFields(log.Fields{"ref": ref, "digest": desc.Digest}).Debug("resolved base image")
	return pinned, nil
}
