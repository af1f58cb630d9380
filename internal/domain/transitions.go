package domain

import "slices"

type Operation string

const (
	OpVerify  Operation = "verify"
	OpAdvance Operation = "advance"
	OpCancel  Operation = "cancel"
)

type transitionRule struct {
	From           FulfillmentStatus
	To             FulfillmentStatus
	Op             Operation
	Roles          []Role
	ReasonRequired bool
}

var buyers = []Role{RoleUser, RoleGuest, RoleAdmin}

// transitions is the single source of truth for fulfillment moves. COD orders
// never pass through PendingVerification; that is decided at placement.
var transitions = []transitionRule{
	{From: StatusPendingVerification, To: StatusOrderPlaced, Op: OpVerify, Roles: []Role{RoleAdmin}},

	{From: StatusOrderPlaced, To: StatusPacking, Op: OpAdvance, Roles: []Role{RoleAdmin}},
	{From: StatusPacking, To: StatusShipped, Op: OpAdvance, Roles: []Role{RoleAdmin}},
	{From: StatusShipped, To: StatusOutForDelivery, Op: OpAdvance, Roles: []Role{RoleAdmin}},
	{From: StatusOutForDelivery, To: StatusDelivered, Op: OpAdvance, Roles: []Role{RoleAdmin}},

	{From: StatusPendingVerification, To: StatusCancelled, Op: OpCancel, Roles: buyers},
	{From: StatusOrderPlaced, To: StatusCancelled, Op: OpCancel, Roles: buyers},
	{From: StatusPacking, To: StatusCancelled, Op: OpCancel, Roles: buyers},
	{From: StatusShipped, To: StatusCancelled, Op: OpCancel, Roles: []Role{RoleAdmin}, ReasonRequired: true},
	{From: StatusOutForDelivery, To: StatusCancelled, Op: OpCancel, Roles: []Role{RoleAdmin}, ReasonRequired: true},
}

func findRule(op Operation, from, to FulfillmentStatus) (transitionRule, bool) {
	for _, r := range transitions {
		if r.Op == op && r.From == from && r.To == to {
			return r, true
		}
	}
	return transitionRule{}, false
}

// Authorize checks a fulfillment move against the transition table. A move
// absent from the table is an InvalidTransition; a move the role may not make
// from the current state is an InvalidState.
func Authorize(op Operation, from, to FulfillmentStatus, role Role, reason string) error {
	rule, ok := findRule(op, from, to)
	if !ok {
		return invalidTransition(from, to)
	}
	if !slices.Contains(rule.Roles, role) {
		if role != RoleAdmin && !slices.Contains(rule.Roles, RoleUser) && op == OpCancel {
			return invalidState(string(from), string(to), "only an admin can cancel once the order has shipped")
		}
		return Unauthorized(string(role) + " may not move an order from " + string(from) + " to " + string(to))
	}
	if rule.ReasonRequired && reason == "" {
		return NewValidationError("reason", "required when cancelling from "+string(from))
	}
	return nil
}

// NextStatus returns the immediate successor on the admin-driven fulfillment
// sequence, or false when the status has none.
func NextStatus(from FulfillmentStatus) (FulfillmentStatus, bool) {
	for _, r := range transitions {
		if r.Op == OpAdvance && r.From == from {
			return r.To, true
		}
	}
	return "", false
}

// Cancellable reports whether role may cancel an order sitting in status.
func Cancellable(status FulfillmentStatus, role Role) bool {
	rule, ok := findRule(OpCancel, status, StatusCancelled)
	return ok && slices.Contains(rule.Roles, role)
}
