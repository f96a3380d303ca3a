package validation

import (
	"testing"
	"time"

	"admission-gateway/internal/common/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleRule struct {
	Limit  int           `json:"limit" validate:"min=1"`
	Window time.Duration `json:"window" validate:"gt=0"`
	Name   string        `json:"name" validate:"required,dependency_name"`
}

func TestValidateStruct(t *testing.T) {
	t.Run("valid struct", func(t *testing.T) {
		err := ValidateStruct(sampleRule{Limit: 5, Window: time.Minute, Name: "payment-gateway"})
		assert.NoError(t, err)
	})

	t.Run("single failure uses json field name", func(t *testing.T) {
		err := ValidateStruct(sampleRule{Limit: 0, Window: time.Minute, Name: "email"})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
		assert.Contains(t, err.Error(), "field 'limit' must be at least 1")
	})

	t.Run("multiple failures are joined", func(t *testing.T) {
		err := ValidateStruct(sampleRule{Limit: 0, Window: 0, Name: "Bad Name"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "validation failed")
		assert.Contains(t, err.Error(), "field 'window' must be greater than 0")
		assert.Contains(t, err.Error(), "lowercase dependency name")
	})
}

func TestValidateVar(t *testing.T) {
	assert.NoError(t, ValidateVar(250*time.Millisecond, "gt=0,lte=1s"))
	assert.Error(t, ValidateVar(2*time.Second, "gt=0,lte=1s"))

	assert.NoError(t, ValidateVar("localhost:6379", "hostname_port"))
	err := ValidateVar("localhost", "hostname_port")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a host:port address")
}
