package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPool_BadURL(t *testing.T) {
	_, err := NewPool(context.Background(), Config{URL: "://not-a-url"})
	assert.Error(t, err)
}

func TestMigrateDown_RejectsZeroSteps(t *testing.T) {
	assert.Error(t, MigrateDown("postgres://localhost/none", DefaultMigrationsSource, 0))
}
