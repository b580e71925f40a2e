package permissions

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func TestPrincipalChecker_Demand(t *testing.T) {
	checker := NewPrincipalChecker()
	ctx := context.Background()

	tests := []struct {
		name      string
		principal *models.Principal
		perm      string
		allowed   bool
	}{
		{"system passes everything", models.SystemPrincipal(), WriteMaster, true},
		{"explicit grant", &models.Principal{UserID: "u", Permissions: []string{MergeMaster}}, MergeMaster, true},
		{"unrestricted implies all", &models.Principal{UserID: "u", Permissions: []string{UnrestrictedMDM}}, EditRecordOfTruth, true},
		{"missing permission", &models.Principal{UserID: "u", Permissions: []string{ReadLocals}}, MergeMaster, false},
		{"anonymous", nil, ReadLocals, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checker.Demand(ctx, tt.principal, tt.perm)
			if tt.allowed {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsPolicyViolation(err))
		})
	}
}

func TestIsPolicyViolation_Wrapped(t *testing.T) {
	err := fmt.Errorf("merge failed: %w", Deny(&models.Principal{UserID: "bob"}, MergeMaster, "not owner"))
	assert.True(t, IsPolicyViolation(err))
	assert.False(t, IsPolicyViolation(errors.New("boom")))
	assert.Contains(t, err.Error(), "bob lacks mdm.merge-master")
}

func TestCanSee(t *testing.T) {
	restricted := []string{"taboo"}

	assert.True(t, CanSee(nil, nil))
	assert.False(t, CanSee(nil, restricted))
	assert.False(t, CanSee(&models.Principal{UserID: "u"}, restricted))
	assert.True(t, CanSee(&models.Principal{UserID: "u", Policies: []string{"taboo"}}, restricted))
	assert.True(t, CanSee(&models.Principal{UserID: "u", Permissions: []string{UnrestrictedMDM}}, restricted))
}
