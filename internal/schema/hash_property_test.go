package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// identifier generates plausible field names.
func identifier() *rapid.Generator[string] {
	return rapid.StringMatching(`[a-z][a-z0-9_]{0,11}`)
}

func genSchema() *rapid.Generator[*Schema] {
	return rapid.Custom(func(t *rapid.T) *Schema {
		fieldNames := rapid.SliceOfNDistinct(identifier(), 1, 8, rapid.ID).Draw(t, "fields")

		props := make(map[string]Property, len(fieldNames))
		for _, name := range fieldNames {
			props[name] = Property{
				Type:      rapid.SampledFrom([]string{"string", "number", "boolean"}).Draw(t, "type-"+name),
				MaxLength: rapid.IntRange(0, 256).Draw(t, "maxlen-"+name),
			}
		}
		primary := fieldNames[0]
		props[primary] = Property{Type: "string", MaxLength: 100}

		return &Schema{
			Title:      identifier().Draw(t, "title"),
			Version:    rapid.IntRange(0, 10).Draw(t, "version"),
			PrimaryKey: primary,
			Required:   fieldNames,
			Properties: props,
		}
	})
}

// The hash must be a pure function of schema content: shuffling list order
// never changes it, and repeated hashing is stable.
func TestSchema_HashCanonical(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := genSchema().Draw(t, "schema")

		first, err := s.Hash()
		require.NoError(t, err)

		shuffled := &Schema{
			Title:      s.Title,
			Version:    s.Version,
			PrimaryKey: s.PrimaryKey,
			Properties: s.Properties,
		}
		perm := rapid.Permutation(s.Required).Draw(t, "perm")
		shuffled.Required = perm

		second, err := shuffled.Hash()
		require.NoError(t, err)
		require.Equal(t, first, second, "required-field order must not affect the hash")

		again, err := s.Hash()
		require.NoError(t, err)
		require.Equal(t, first, again, "hashing must be deterministic")
	})
}

// Bumping the version is a semantic change and must change the hash.
func TestSchema_HashVersionSensitive(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := genSchema().Draw(t, "schema")
		first, err := s.Hash()
		require.NoError(t, err)

		s.Version++
		second, err := s.Hash()
		require.NoError(t, err)
		require.NotEqual(t, first, second)
	})
}
