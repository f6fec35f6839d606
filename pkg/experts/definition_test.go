package experts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		format  string
		want    []string
		wantErr bool
	}{
		{
			name:   "json list",
			data:   `[{"name": "A", "system_prompt": "a", "keywords": ["x"]}, {"name": "B", "system_prompt": "b"}]`,
			format: ".json",
			want:   []string{"A", "B"},
		},
		{
			name:   "single object",
			data:   `{"name": "Solo", "system_prompt": "s"}`,
			format: "json",
			want:   []string{"Solo"},
		},
		{
			name:   "duplicates keep first",
			data:   `[{"name": "A", "system_prompt": "first"}, {"name": " A ", "system_prompt": "second"}]`,
			format: "json",
			want:   []string{"A"},
		},
		{
			name:   "yaml",
			data:   "- name: A\n  system_prompt: a\n  keywords: [x, y]\n- name: B\n  system_prompt: b\n",
			format: ".yaml",
			want:   []string{"A", "B"},
		},
		{name: "missing prompt", data: `[{"name": "A"}]`, format: "json", wantErr: true},
		{name: "empty name", data: `[{"name": "", "system_prompt": "a"}]`, format: "json", wantErr: true},
		{name: "keywords not strings", data: `[{"name": "A", "system_prompt": "a", "keywords": [1]}]`, format: "json", wantErr: true},
		{name: "empty", data: "  ", format: "json", wantErr: true},
		{name: "empty list", data: "[]", format: "json", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defs, err := Parse([]byte(tt.data), tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, Names(defs))
		})
	}
}

func TestParseKeepsFirstDuplicate(t *testing.T) {
	defs, err := Parse([]byte(`[{"name": "A", "system_prompt": "first"}, {"name": "A", "system_prompt": "second"}]`), "json")
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "first", defs[0].SystemPrompt)
}

func TestParseEmptyIsNoDefinitions(t *testing.T) {
	_, err := Parse([]byte("[]"), "json")
	assert.ErrorIs(t, err, ErrNoDefinitions)
	_, err = Parse([]byte(""), "yaml")
	assert.ErrorIs(t, err, ErrNoDefinitions)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, name := range []string{"experts.json", "experts.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			require.NoError(t, Save(path, Defaults()))

			defs, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, Defaults(), defs)
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	defs, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, []string{"SecurityExpert", "ComplianceExpert", "ArchitectureExpert"}, Names(defs))

	defs, err = LoadOrDefault("")
	require.NoError(t, err)
	assert.Len(t, defs, 3)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o644))
	_, err = LoadOrDefault(bad)
	assert.Error(t, err)
}

func TestAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "experts.json")

	added, err := Append(path, Definition{Name: "A", SystemPrompt: "a"})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = Append(path, Definition{Name: "A", SystemPrompt: "again"})
	require.NoError(t, err)
	assert.False(t, added)

	added, err = Append(path, Definition{Name: "B", SystemPrompt: "b"})
	require.NoError(t, err)
	assert.True(t, added)

	defs, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, Names(defs))
	assert.Equal(t, "a", defs[0].SystemPrompt)
}
