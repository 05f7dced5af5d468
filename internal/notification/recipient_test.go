package notification_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexnthnz/delivery-engine/internal/notification"
)

var (
	tokenA = strings.Repeat("a", 40)
	tokenB = strings.Repeat("b", 40)
)

func TestParseRecipient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      string
		wantKind notification.RecipientKind
		want     []string
		wantErr  bool
	}{
		{
			name:     "single token",
			raw:      "  " + tokenA + " ",
			wantKind: notification.SingleToken,
			want:     []string{tokenA},
		},
		{
			name:     "comma separated",
			raw:      tokenA + ", " + tokenB + ",",
			wantKind: notification.TokenList,
			want:     []string{tokenA, tokenB},
		},
		{
			name:     "json array",
			raw:      `["` + tokenA + `", "", "` + tokenB + `"]`,
			wantKind: notification.TokenList,
			want:     []string{tokenA, tokenB},
		},
		{
			name:    "empty",
			raw:     "   ",
			wantErr: true,
		},
		{
			name:    "only separators",
			raw:     " , ,",
			wantErr: true,
		},
		{
			name:    "empty json array",
			raw:     "[]",
			wantErr: true,
		},
		{
			name:    "malformed json array",
			raw:     `["abc"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := notification.ParseRecipient(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.want, got.Tokens)
		})
	}
}

func TestPlausibleToken(t *testing.T) {
	t.Parallel()

	assert.True(t, notification.PlausibleToken(strings.Repeat("x", 32)))
	assert.True(t, notification.PlausibleToken(strings.Repeat("x", 200)))
	assert.True(t, notification.PlausibleToken("abc_DEF-123"+strings.Repeat("0", 30)))
	assert.False(t, notification.PlausibleToken(strings.Repeat("x", 31)))
	assert.False(t, notification.PlausibleToken(strings.Repeat("x", 201)))
	assert.False(t, notification.PlausibleToken(strings.Repeat("x", 40)+":"))
	assert.False(t, notification.PlausibleToken(strings.Repeat("x", 40)+" "))
}

func TestRecipientSplit(t *testing.T) {
	t.Parallel()

	r, err := notification.ParseRecipient(strings.Join([]string{tokenA, "short", tokenB, tokenA}, ","))
	require.NoError(t, err)

	valid, rejected := r.Split()
	assert.Equal(t, []string{tokenA, tokenB}, valid)
	assert.Equal(t, []string{"short"}, rejected)
}
