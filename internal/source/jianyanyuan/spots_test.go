package jianyanyuan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"envsense/internal/core"
)

func TestMatchProject(t *testing.T) {
	projects := []string{"Riverside Campus", "Harbor Tower", "North Annex"}

	tests := []struct {
		name string
		loc  *core.Location
		want string
		ok   bool
	}{
		{
			name: "address contains project name",
			loc:  &core.Location{Address: "Riverside Campus Building 2"},
			want: "Riverside Campus",
			ok:   true,
		},
		{
			name: "case and spacing differences do not matter",
			loc:  &core.Location{Address: "RIVERSIDE  campus gym"},
			want: "Riverside Campus",
			ok:   true,
		},
		{
			name: "extra field is more specific than city",
			loc:  &core.Location{City: "Harborville", Extra: "North Annex floor 3"},
			want: "North Annex",
			ok:   true,
		},
		{
			name: "partial overlap still matches",
			loc:  &core.Location{Address: "harbor tower west wing"},
			want: "Harbor Tower",
			ok:   true,
		},
		{
			name: "nil location never matches",
			loc:  nil,
			ok:   false,
		},
		{
			name: "unrelated hint never matches",
			loc:  &core.Location{Address: "elsewhere"},
			ok:   false,
		},
		{
			name: "empty fields never match",
			loc:  &core.Location{},
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := matchProject(projects, tt.loc)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestMatchProject_NoProjects(t *testing.T) {
	_, ok := matchProject(nil, &core.Location{Address: "anywhere"})
	assert.False(t, ok)
}

func TestCommonRunLen(t *testing.T) {
	assert.Equal(t, 0, commonRunLen("", "abc"))
	assert.Equal(t, 3, commonRunLen("abc", "abc"))
	assert.Equal(t, 4, commonRunLen("xxharboryy", "zzharbzz"))
	assert.Equal(t, 1, commonRunLen("abc", "cde"))
}
