package chat

import (
	"errors"
	"testing"

	"github.com/Ostabo/Spit/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryReplace(t *testing.T) {
	tests := []struct {
		name         string
		selected     string
		list         []models.Model
		wantNames    []string
		wantSelected string
	}{
		{
			name:         "FirstEntryOnEmptySelection",
			list:         []models.Model{{Name: "b"}, {Name: "a"}},
			wantNames:    []string{"b", "a"},
			wantSelected: "b",
		},
		{
			name:         "KeepsPresentSelection",
			selected:     "a",
			list:         []models.Model{{Name: "b"}, {Name: "a"}},
			wantNames:    []string{"b", "a"},
			wantSelected: "a",
		},
		{
			name:         "FallsBackWhenSelectionVanished",
			selected:     "a",
			list:         []models.Model{{Name: "b"}, {Name: "c"}},
			wantNames:    []string{"b", "c"},
			wantSelected: "b",
		},
		{
			name:         "SkipsTemporaryOnFallback",
			list:         []models.Model{{Name: "new", Temporary: true}, {Name: "c"}},
			wantNames:    []string{"new", "c"},
			wantSelected: "c",
		},
		{
			name:         "FallsBackPastTemporaryWhenSelectionVanished",
			selected:     "a",
			list:         []models.Model{{Name: "new", Temporary: true}, {Name: "c"}, {Name: "d"}},
			wantNames:    []string{"new", "c", "d"},
			wantSelected: "c",
		},
		{
			name:         "OnlyTemporary",
			list:         []models.Model{{Name: "new", Temporary: true}},
			wantNames:    []string{"new"},
			wantSelected: "new",
		},
		{
			name:         "DuplicatesKeepFirst",
			list:         []models.Model{{Name: "a", Size: 1}, {Name: "b"}, {Name: "a", Size: 2}},
			wantNames:    []string{"a", "b"},
			wantSelected: "a",
		},
		{
			name:         "EmptyKeepsSelection",
			selected:     "a",
			list:         nil,
			wantNames:    []string{},
			wantSelected: "a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			r.selected = tt.selected
			r.Replace(tt.list)

			got := make([]string, 0)
			for _, m := range r.All() {
				got = append(got, m.Name)
			}
			assert.Equal(t, tt.wantNames, got)
			assert.Equal(t, tt.wantSelected, r.Selected())
		})
	}
}

func TestRegistryDuplicateKeepsFirstEntry(t *testing.T) {
	r := NewRegistry()
	r.Replace([]models.Model{{Name: "a", Size: 1}, {Name: "a", Size: 2}})

	m, ok := r.Lookup("a")
	require.True(t, ok)
	assert.EqualValues(t, 1, m.Size)
}

func TestRegistrySelect(t *testing.T) {
	r := NewRegistry()
	r.Replace([]models.Model{{Name: "a"}, {Name: "b"}, {Name: "pulling", Temporary: true}})

	require.NoError(t, r.Select("b"))
	assert.Equal(t, "b", r.Selected())
	assert.True(t, errors.Is(r.Select("pulling"), ErrModelInstalling))
	assert.True(t, errors.Is(r.Select("zzz"), ErrModelNotFound))
	assert.Equal(t, "b", r.Selected())

	assert.Len(t, r.All(), 3)
	assert.Len(t, r.Selectable(), 2)
}

func TestStaleRefreshIsDropped(t *testing.T) {
	c := New(Config{})

	c.refreshIssued = 2
	require.NoError(t, c.applyRefresh(2, []models.Model{{Name: "new"}}, nil))
	require.NoError(t, c.applyRefresh(1, []models.Model{{Name: "old"}}, nil))

	assert.Equal(t, []models.Model{{Name: "new"}}, c.registry.All())
}
