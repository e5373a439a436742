// Package retry maps errors raised by the collaborators to failure
// categories and decides, per category and attempt count, whether the
// controller retries, rotates identity, skips the item, or stops the run.
package retry

import (
	"context"
	"errors"
	"net"

	"github.com/JakeFAU/identity-harvester/internal/harvest"
)

var precedence = map[harvest.Category]int{
	harvest.CategoryStructural:     1,
	harvest.CategoryTransient:      2,
	harvest.CategoryAuthentication: 3,
	harvest.CategoryFatal:          4,
	harvest.CategorySessionInvalid: 5,
}

// Classify returns the category of err. Every error in the tree is
// inspected, including joined errors; when several classified failures are
// present the highest-precedence one wins:
// SessionInvalid > Fatal > Authentication > Transient > StructuralMismatch.
//
// Unclassified errors map to Transient for deadlines and network timeouts,
// Canceled for context cancellation, and Fatal otherwise.
func Classify(err error) harvest.Category {
	if err == nil {
		return ""
	}

	var best harvest.Category
	walk(err, func(e error) {
		f, ok := e.(*harvest.Failure)
		if !ok || f == nil {
			return
		}
		if precedence[f.Category] > precedence[best] {
			best = f.Category
		}
	})

	canceled := errors.Is(err, context.Canceled)
	switch {
	case canceled && precedence[best] < precedence[harvest.CategoryFatal]:
		return harvest.CategoryCanceled
	case best != "":
		return best
	case errors.Is(err, context.DeadlineExceeded):
		return harvest.CategoryTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return harvest.CategoryTransient
	}
	return harvest.CategoryFatal
}

func walk(err error, visit func(error)) {
	if err == nil {
		return
	}
	visit(err)
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			walk(e, visit)
		}
	case interface{ Unwrap() error }:
		walk(u.Unwrap(), visit)
	}
}
