package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessKey(t *testing.T) {
	issuedAt := time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)

	t.Run("builds a valid 44 digit key", func(t *testing.T) {
		key, err := AccessKey("35", issuedAt, "12345678000195", ModelCte, 1, 42, EmissionNormal)
		require.NoError(t, err)

		assert.Len(t, key, 44)
		assert.True(t, ValidateAccessKey(key))

		assert.Equal(t, "35", key[0:2])
		assert.Equal(t, "2503", key[2:6])
		assert.Equal(t, "12345678000195", key[6:20])
		assert.Equal(t, "57", key[20:22])
		assert.Equal(t, "001", key[22:25])
		assert.Equal(t, "000000042", key[25:34])
		assert.Equal(t, "1", key[34:35])
	})

	t.Run("carries the contingency emission type", func(t *testing.T) {
		key, err := AccessKey("43", issuedAt, "12345678000195", ModelMdfe, 2, 7, EmissionSvcRS)
		require.NoError(t, err)

		assert.Equal(t, "58", key[20:22])
		assert.Equal(t, "7", key[34:35])
		assert.True(t, ValidateAccessKey(key))
	})

	t.Run("formats a CNPJ with punctuation", func(t *testing.T) {
		key, err := AccessKey("35", issuedAt, "12.345.678/0001-95", ModelCte, 1, 1, EmissionNormal)
		require.NoError(t, err)
		assert.Equal(t, "12345678000195", key[6:20])
	})

	t.Run("rejects a bad UF code", func(t *testing.T) {
		_, err := AccessKey("3", issuedAt, "12345678000195", ModelCte, 1, 1, EmissionNormal)
		require.Error(t, err)
	})

	t.Run("random document codes differ between calls", func(t *testing.T) {
		a, err := AccessKey("35", issuedAt, "12345678000195", ModelCte, 1, 42, EmissionNormal)
		require.NoError(t, err)
		b, err := AccessKey("35", issuedAt, "12345678000195", ModelCte, 1, 42, EmissionNormal)
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})
}

func TestValidateAccessKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want bool
	}{
		{
			name: "wrong length",
			key:  "123",
			want: false,
		},
		{
			name: "non digit content",
			key:  "3525031234567800019557001000000042100000001x",
			want: false,
		},
		{
			name: "empty",
			key:  "",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateAccessKey(tt.key))
		})
	}

	t.Run("check digit mismatch", func(t *testing.T) {
		key, err := AccessKey("35", time.Now(), "12345678000195", ModelCte, 1, 9, EmissionNormal)
		require.NoError(t, err)

		// Flip the check digit.
		flipped := key[:43] + string(rune('0'+(int(key[43]-'0')+1)%10))
		assert.False(t, ValidateAccessKey(flipped))
	})
}

func TestEmissionType(t *testing.T) {
	assert.Equal(t, EmissionNormal, EmissionType(ContingencyNormal))
	assert.Equal(t, EmissionSvcRS, EmissionType(ContingencySvcRS))
	assert.Equal(t, EmissionSvcAN, EmissionType(ContingencySvcAN))
}
