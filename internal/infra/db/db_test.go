package db

import (
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/call-orchestrator/internal/config"
)

func TestPostgresDSNEscapesCredentials(t *testing.T) {
	dsn := postgresDSN(config.PostgresConfig{
		Host: "db", Port: 5432, User: "orch", Password: "p@ss/word",
		Database: "calls", SSLMode: "disable", StatementTimeout: time.Second,
	})
	assert.Equal(t, "postgres://orch:p%40ss%2Fword@db:5432/calls?sslmode=disable", dsn)
}

func TestParseConsistency(t *testing.T) {
	for in, want := range map[string]gocql.Consistency{
		"":             gocql.Quorum,
		"LOCAL_QUORUM": gocql.LocalQuorum,
		"one":          gocql.One,
		" local_one ":  gocql.LocalOne,
	} {
		got, err := parseConsistency(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := parseConsistency("most")
	assert.Error(t, err)
}
