package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/acme/call-orchestrator/pkg/errors"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		region string
		want   string
	}{
		{name: "already e164", raw: "+16502530000", want: "+16502530000"},
		{name: "formatted us", raw: "(650) 253-0000", region: "US", want: "+16502530000"},
		{name: "default region", raw: "650-253-0000", want: "+16502530000"},
		{name: "uk national", raw: "020 7031 3000", region: "gb", want: "+442070313000"},
		{name: "international with spaces", raw: " +44 20 7031 3000 ", region: "US", want: "+442070313000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.raw, tt.region)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeRejectsInvalid(t *testing.T) {
	for _, raw := range []string{"", "   ", "12345", "not a number"} {
		_, err := Normalize(raw, "US")
		require.Error(t, err, raw)
		assert.ErrorIs(t, err, apperrors.ErrValidation, raw)
	}
}

func TestRegion(t *testing.T) {
	assert.Equal(t, "US", Region("+16502530000"))
	assert.Equal(t, "GB", Region("+442070313000"))
	assert.Equal(t, "", Region("garbage"))
}
