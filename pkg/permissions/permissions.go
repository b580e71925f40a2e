// Package permissions defines the MDM permission identifiers and the capability check the
// linkage engine demands them through.
package permissions

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"

	"github.com/Ramsey-B/fern/pkg/models"
)

const (
	UnrestrictedMDM        = "mdm.unrestricted"
	WriteMaster            = "mdm.write-master"
	ReadLocals             = "mdm.read-locals"
	MergeMaster            = "mdm.merge-master"
	EstablishRecordOfTruth = "mdm.rot.establish"
	EditRecordOfTruth      = "mdm.rot.edit"
)

// All lists every permission identifier.
func All() []string {
	return []string{UnrestrictedMDM, WriteMaster, ReadLocals, MergeMaster, EstablishRecordOfTruth, EditRecordOfTruth}
}

// PolicyViolation is returned when a principal lacks a demanded permission.
type PolicyViolation struct {
	Permission string
	Principal  string
	Reason     string
}

func (e *PolicyViolation) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("policy violation: %s lacks %s: %s", e.Principal, e.Permission, e.Reason)
	}
	return fmt.Sprintf("policy violation: %s lacks %s", e.Principal, e.Permission)
}

func (e *PolicyViolation) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusForbidden, e.Error()).AddMetaValue("permission", e.Permission)
}

// IsPolicyViolation reports whether err is (or wraps) a PolicyViolation.
func IsPolicyViolation(err error) bool {
	var pv *PolicyViolation
	return errors.As(err, &pv)
}

// Deny builds a PolicyViolation for p.
func Deny(p *models.Principal, perm string, reason string) *PolicyViolation {
	return &PolicyViolation{Permission: perm, Principal: p.Name(), Reason: reason}
}

// Checker demands permissions of a principal.
type Checker interface {
	Demand(ctx context.Context, principal *models.Principal, permission string) error
}

// PrincipalChecker grants a permission when the principal is the system, holds the
// permission, or holds UnrestrictedMDM.
type PrincipalChecker struct{}

func NewPrincipalChecker() *PrincipalChecker {
	return &PrincipalChecker{}
}

func (c *PrincipalChecker) Demand(_ context.Context, principal *models.Principal, permission string) error {
	if principal == nil {
		return &PolicyViolation{Permission: permission, Principal: "anonymous"}
	}
	if principal.System || principal.HasPermission(permission) || principal.HasPermission(UnrestrictedMDM) {
		return nil
	}
	return Deny(principal, permission, "")
}

// Has is a non-failing check.
func Has(ctx context.Context, c Checker, principal *models.Principal, permission string) bool {
	return c.Demand(ctx, principal, permission) == nil
}

// CanSee reports whether principal may see data tagged with every policy in policies.
func CanSee(principal *models.Principal, policies []string) bool {
	if len(policies) == 0 {
		return true
	}
	if principal == nil {
		return false
	}
	if principal.System || principal.HasPermission(UnrestrictedMDM) {
		return true
	}
	for _, policy := range policies {
		if !principal.HasPolicy(policy) {
			return false
		}
	}
	return true
}
