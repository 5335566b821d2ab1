package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync-server/domain"
)

func TestStore_LoadMissing(t *testing.T) {
	_, err := New().Load(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_Save(t *testing.T) {
	tests := []struct {
		name  string
		saves []domain.Document
		want  domain.Document
	}{
		{
			name:  "single save",
			saves: []domain.Document{{Content: "<p>Hello</p>", Version: 1}},
			want:  domain.Document{Content: "<p>Hello</p>", Version: 1},
		},
		{
			name:  "newer version replaces",
			saves: []domain.Document{{Content: "a", Version: 1}, {Content: "b", Version: 2}},
			want:  domain.Document{Content: "b", Version: 2},
		},
		{
			name:  "stale version ignored",
			saves: []domain.Document{{Content: "b", Version: 2}, {Content: "a", Version: 1}},
			want:  domain.Document{Content: "b", Version: 2},
		},
		{
			name:  "repeated save is idempotent",
			saves: []domain.Document{{Content: "x", Version: 3}, {Content: "x", Version: 3}},
			want:  domain.Document{Content: "x", Version: 3},
		},
		{
			name:  "empty content is stored",
			saves: []domain.Document{{Content: "", Version: 1}},
			want:  domain.Document{Content: "", Version: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			ctx := context.Background()
			for _, d := range tt.saves {
				require.NoError(t, s.Save(ctx, "doc1", d.Content, d.Version))
			}

			got, err := s.Load(ctx, "doc1")

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, 1, s.Len())
		})
	}
}

func TestPermissions_Access(t *testing.T) {
	p := NewPermissions(domain.AccessNone)
	p.SetOwner("doc1", "alice")
	p.Grant("doc1", "rita", domain.AccessRead)
	p.Grant("doc1", "carl", domain.AccessComment)
	p.Grant("doc1", "eve", domain.AccessEdit)

	tests := []struct {
		user string
		doc  string
		want domain.Access
	}{
		{user: "alice", doc: "doc1", want: domain.AccessEdit},
		{user: "rita", doc: "doc1", want: domain.AccessRead},
		{user: "carl", doc: "doc1", want: domain.AccessComment},
		{user: "eve", doc: "doc1", want: domain.AccessEdit},
		{user: "sam", doc: "doc1", want: domain.AccessNone},
		{user: "alice", doc: "doc2", want: domain.AccessNone},
	}

	for _, tt := range tests {
		t.Run(tt.user+"/"+tt.doc, func(t *testing.T) {
			got, err := p.Access(context.Background(), tt.user, tt.doc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.True(t, domain.CanAccess(context.Background(), p, "rita", "doc1"))
	assert.False(t, domain.CanAccess(context.Background(), p, "sam", "doc1"))
}

func TestPermissions_Fallback(t *testing.T) {
	p := NewPermissions(domain.AccessEdit)

	got, err := p.Access(context.Background(), "anyone", "any-doc")

	require.NoError(t, err)
	assert.Equal(t, domain.AccessEdit, got)
}
