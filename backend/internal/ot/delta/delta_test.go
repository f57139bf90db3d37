package delta

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		d       Delta
		docLen  int
		wantErr bool
	}{
		{"insert at start", Delta{{Kind: KindInsert, Text: "hi"}}, 0, false},
		{"retain then insert", Delta{{Kind: KindRetain, Count: 5}, {Kind: KindInsert, Text: "!"}}, 5, false},
		{"retain past end", Delta{{Kind: KindRetain, Count: 6}}, 5, true},
		{"delete past end", Delta{{Kind: KindRetain, Count: 3}, {Kind: KindDelete, Count: 3}}, 5, true},
		{"zero delete", Delta{{Kind: KindDelete, Count: 0}}, 5, true},
		{"empty insert", Delta{{Kind: KindInsert}}, 5, true},
		{"unknown kind", Delta{{Kind: "move", Count: 1}}, 5, true},
		{"empty", Delta{}, 5, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.d.Validate(tc.docLen)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateOutOfRangeIsTyped(t *testing.T) {
	err := Delta{{Kind: KindDelete, Count: 2}}.Validate(1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfRange))
}
