package errdefs_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wasmshim/wasmshim/pkg/errdefs"
)

var errTest = errors.New("this is a test")

func TestErrors(t *testing.T) {
	testcases := []struct {
		name string
		err  error
	}{
		{"NotFound", errdefs.ErrNotFound},
		{"AlreadyExists", errdefs.ErrAlreadyExists},
		{"LeaseHeld", errdefs.ErrLeaseHeld},
		{"Verification", errdefs.ErrVerification},
		{"InvalidParameter", errdefs.ErrInvalidParameter},
		{"Unavailable", errdefs.ErrUnavailable},
		{"Unsupported", errdefs.ErrUnsupported},
	}

	for _, tc := range testcases {
		t.Run("NewE_"+tc.name, func(t *testing.T) {
			assert.NotErrorIs(t, errTest, tc.err)
			e := errdefs.NewE(tc.err, errTest)
			assert.ErrorIs(t, e, tc.err)
			assert.ErrorIs(t, e, errTest)
		})
	}

	for _, tc := range testcases {
		t.Run("Newf_"+tc.name, func(t *testing.T) {
			e := errdefs.Newf(tc.err, "this is a test")
			assert.ErrorIs(t, e, tc.err)
		})
	}
}

func TestNewENil(t *testing.T) {
	assert.NoError(t, errdefs.NewE(errdefs.ErrNotFound, nil))
}
