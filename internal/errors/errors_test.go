package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"not found", NotFound("node", "n1"), ErrCodeNotFound},
		{"conflict", Conflict("stale"), ErrCodeConflict},
		{"invalid", InvalidInput("comment", "required"), ErrCodeInvalidInput},
		{"permission", PermissionDenied("nope"), ErrCodePermissionDenied},
		{"wrapped twice", fmt.Errorf("outer: %w", Conflict("inner")), ErrCodeConflict},
		{"foreign", fmt.Errorf("boom"), ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusOK, HTTPStatus(nil))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFound("stage", "s1")))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Conflict("x")))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(InvalidInput("f", "x")))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(PermissionDenied("x")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(fmt.Errorf("db down")))
}

func TestGRPCStatusCarriesDetails(t *testing.T) {
	err := InvalidInput("required_nodes", "2 required nodes incomplete").WithDetail("incomplete", "2")

	st := GRPCStatus(err)
	assert.Equal(t, codes.InvalidArgument, st.Code())
	assert.Equal(t, "2 required nodes incomplete", st.Message())

	require.Len(t, st.Details(), 1)
	info, ok := st.Details()[0].(*errdetails.ErrorInfo)
	require.True(t, ok)
	assert.Equal(t, string(ErrCodeInvalidInput), info.Reason)
	assert.Equal(t, "2", info.Metadata["incomplete"])
}

func TestWrapUnwraps(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := Wrap(cause, ErrCodeInternal, "failed to load stage")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "failed to load stage")
}
