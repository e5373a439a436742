package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/identity-harvester/internal/harvest"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		err  error
		want harvest.Category
	}{
		{"nil", nil, ""},
		{"session invalid", harvest.SessionInvalid("challenge page"), harvest.CategorySessionInvalid},
		{"wrapped transient", fmt.Errorf("fetch: %w", harvest.Transient("timeout", nil)), harvest.CategoryTransient},
		{"structural", harvest.Structural("no ready marker"), harvest.CategoryStructural},
		{"auth", harvest.AuthFailed("bad password", nil), harvest.CategoryAuthentication},
		{"fatal", harvest.Fatal("disk full", nil), harvest.CategoryFatal},
		{"deadline", fmt.Errorf("wait: %w", context.DeadlineExceeded), harvest.CategoryTransient},
		{"net timeout", fmt.Errorf("dial: %w", timeoutErr{}), harvest.CategoryTransient},
		{"canceled", context.Canceled, harvest.CategoryCanceled},
		{"transient wrapping cancel", harvest.Transient("navigate", context.Canceled), harvest.CategoryCanceled},
		{"unknown", errors.New("boom"), harvest.CategoryFatal},
		{
			"joined prefers session invalid",
			errors.Join(harvest.Structural("missing"), harvest.Transient("slow", nil), harvest.SessionInvalid("blocked")),
			harvest.CategorySessionInvalid,
		},
		{
			"joined prefers fatal over transient",
			errors.Join(harvest.Transient("slow", nil), fmt.Errorf("x: %w", harvest.Fatal("broken", nil))),
			harvest.CategoryFatal,
		},
		{
			"transient wrapping structural",
			harvest.Transient("retrying", harvest.Structural("missing")),
			harvest.CategoryTransient,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}
