/*
auth.go - Permission gate for mutating endpoints

PURPOSE:
  Every mutating handler asks the Authorizer before touching the
  ledger. The engine itself has no user model; the host application
  plugs in its own implementation. The default allows everything,
  which matches running the engine behind an already-authenticated
  back office.
*/
package api

import (
	"context"
	"net/http"
)

// Permission names one gated operation.
type Permission string

const (
	PermSubmitRun   Permission = "runs:submit"
	PermApplyDeltas Permission = "portfolio:apply"
	PermVoidEntry   Permission = "journal:void"
)

// Authorizer decides whether a request may perform an operation.
type Authorizer interface {
	Allow(ctx context.Context, r *http.Request, perm Permission) error
}

// AllowAll is the default Authorizer: no restrictions.
type AllowAll struct{}

func (AllowAll) Allow(context.Context, *http.Request, Permission) error { return nil }
