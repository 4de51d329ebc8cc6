// Package testutil holds small assertion helpers shared across this
// module's test files.
package testutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/status"
)

// RequireEqualStatus asserts that two errors convert to gRPC Statuses
// with the same code and message. Both vdostatus.Error and any plain
// error satisfy this, since status.Convert falls back to wrapping a
// plain error as codes.Unknown.
func RequireEqualStatus(t *testing.T, want, got error) {
	t.Helper()
	wantStatus := status.Convert(want)
	gotStatus := status.Convert(got)
	require.Equal(t, wantStatus.Code(), gotStatus.Code(), "status codes differ")
	require.Equal(t, wantStatus.Message(), gotStatus.Message(), "status messages differ")
}

// RequirePrefixedStatus is like RequireEqualStatus, but allows got's
// message to carry extra trailing characters beyond want's, the shape
// produced by pkg/util.StatusWrap-style prefixing.
func RequirePrefixedStatus(t *testing.T, want, got error) {
	t.Helper()
	wantStatus := status.Convert(want)
	gotStatus := status.Convert(got)
	require.Equal(t, wantStatus.Code(), gotStatus.Code(), "status codes differ")
	require.True(
		t,
		strings.HasPrefix(gotStatus.Message(), wantStatus.Message()),
		"want message of status\n%v\nto have prefix\n%v", gotStatus.Message(), wantStatus.Message())
}
