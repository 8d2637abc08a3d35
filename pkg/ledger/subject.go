package ledger

import (
	"context"
	"fmt"
	"strings"
)

// SubjectKind tags the aggregate an image or biopsy result belongs to.
type SubjectKind string

const SubjectKindSkinCancerCheckup SubjectKind = "skin_cancer_checkup"

// SubjectRef is a tagged reference to a subject aggregate.
type SubjectRef struct {
	Kind SubjectKind
	ID   string
}

// NewSubjectRef validates both halves of a reference.
func NewSubjectRef(kind string, id string) (SubjectRef, error) {
	trimmedKind := strings.TrimSpace(kind)
	trimmedID := strings.TrimSpace(id)
	if trimmedKind == "" || trimmedID == "" {
		return SubjectRef{}, fmt.Errorf("%w: kind and id are required", ErrInvalidSubject)
	}
	return SubjectRef{Kind: SubjectKind(trimmedKind), ID: trimmedID}, nil
}

// String renders kind:id.
func (ref SubjectRef) String() string {
	return string(ref.Kind) + ":" + ref.ID
}

// Subject is what the ledger needs to know about a resolved subject.
type Subject struct {
	Ref        SubjectRef
	AccountID  AccountID
	FeeCredits PositiveCredits
}

// SubjectResolver loads a subject of one kind through the given store.
type SubjectResolver func(ctx context.Context, store Store, id string) (Subject, error)

// WithSubjectResolver registers or replaces the resolver for a kind.
func WithSubjectResolver(kind SubjectKind, resolver SubjectResolver) ServiceOption {
	return func(service *Service) {
		if resolver == nil {
			return
		}
		service.subjects[kind] = resolver
	}
}

func defaultSubjectResolvers() map[SubjectKind]SubjectResolver {
	return map[SubjectKind]SubjectResolver{
		SubjectKindSkinCancerCheckup: resolveCheckupSubject,
	}
}

func resolveCheckupSubject(ctx context.Context, store Store, id string) (Subject, error) {
	checkupID, err := NewCheckupID(id)
	if err != nil {
		return Subject{}, err
	}
	checkup, err := store.GetCheckup(ctx, checkupID)
	if err != nil {
		return Subject{}, err
	}
	return Subject{Ref: checkup.Subject(), AccountID: checkup.AccountID, FeeCredits: checkup.FeeCredits}, nil
}

func (service *Service) resolveSubject(ctx context.Context, store Store, ref SubjectRef) (Subject, error) {
	resolver, ok := service.subjects[ref.Kind]
	if !ok {
		return Subject{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSubject, ref.Kind)
	}
	return resolver(ctx, store, ref.ID)
}
