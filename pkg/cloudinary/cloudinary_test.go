package cloudinary

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestPublicIDKeepsExtension(t *testing.T) {
	require.Equal(t, "master-migration-4-course-9.csv", PublicID("master-migration-4-course-9.csv"))
	require.Equal(t, "grades-Q1--final.csv", PublicID("exports/grades Q1 (final).CSV"))
	require.Equal(t, "export", PublicID("???"))
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{CloudName: "demo"}, zerolog.Nop())
	require.Error(t, err)
}
