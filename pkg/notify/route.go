package notify

import (
	"strings"

	"chatrelay/pkg/models"
)

// Destination is a role-scoped view path a notification resolves to.
type Destination string

// category is an internal routing bucket derived from the free-form type tag.
type category int

const (
	catProcurement category = iota
	catInvoice
	catProject
	catHome
)

// destinations maps (role, category) to a view. Roles that lack a dedicated
// view for a category fall through to the nearest one they have.
var destinations = map[models.Role]map[category]Destination{
	models.RoleAdmin: {
		catProcurement: "/admin/procurement",
		catInvoice:     "/admin/invoices",
		catProject:     "/admin/projects",
		catHome:        "/admin/dashboard",
	},
	models.RoleStaff: {
		catProcurement: "/staff/procurement",
		catInvoice:     "/staff/payments",
		catProject:     "/staff/projects",
		catHome:        "/staff/dashboard",
	},
	models.RoleClient: {
		catProcurement: "/client/projects",
		catInvoice:     "/client/invoices",
		catProject:     "/client/projects",
		catHome:        "/client/dashboard",
	},
}

// classify buckets a free-form type tag by substring match in fixed
// precedence order: procurement, then invoice/payment, then project. A tag
// matching none of them is a home-destination outcome, not an error.
func classify(typeTag string) category {
	tag := strings.ToUpper(typeTag)
	switch {
	case strings.Contains(tag, "PROCUREMENT"),
		strings.HasPrefix(tag, "PO_"),
		strings.HasPrefix(tag, "PO-"):
		return catProcurement
	case strings.Contains(tag, "INVOICE"), strings.Contains(tag, "PAYMENT"):
		return catInvoice
	case strings.Contains(tag, "PROJECT"):
		return catProject
	default:
		return catHome
	}
}

// Route resolves a notification's destination view from its type tag and the
// recipient's role. Total: every (tag, role) pair resolves, unknown tags and
// unknown roles land on a dashboard.
func Route(typeTag string, role models.Role) Destination {
	views, ok := destinations[role]
	if !ok {
		views = destinations[models.RoleClient]
	}
	if d, ok := views[classify(typeTag)]; ok {
		return d
	}
	return views[catHome]
}
