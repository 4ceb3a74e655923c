package fake

import (
	"context"

	"caravel/internal/descriptor"
	"caravel/internal/reconcile"
)

var _ reconcile.DescriptorSource = (*DescriptorSource)(nil)

// DescriptorSource serves a canned descriptor regardless of tag.
type DescriptorSource struct {
	CallRecorder

	Desc          *descriptor.Descriptor
	DescriptorErr func(ctx context.Context, tag string) error
}

func NewDescriptorSource(desc *descriptor.Descriptor) *DescriptorSource {
	return &DescriptorSource{Desc: desc}
}

func (s *DescriptorSource) Descriptor(ctx context.Context, tag string) (*descriptor.Descriptor, error) {
	s.record("Descriptor", tag)
	if s.DescriptorErr != nil {
		if err := s.DescriptorErr(ctx, tag); err != nil {
			return nil, err
		}
	}
	return s.Desc, nil
}
