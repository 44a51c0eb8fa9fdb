// Package control implements the command surface a nukleus instance
// exposes to install and remove routes at runtime: routeServer,
// routeClient, unrouteServer, unrouteClient (spec.md section 4.C/4.D,
// glossary "Route").
//
// Grounded on original_source's Reader.doRouteAccept / doUnrouteAccept /
// doRoute / doUnroute for the exact accept semantics ("adding a
// byte-identical route again is accepted, not an error; removing an
// unknown route is an error"), wired the way server/server.go and
// facade/hioload.go expose their own control surface — a small typed
// command struct dispatched by an adapter, rather than an ad hoc method
// per verb.
package control

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/reaktive/tcp-nukleus/internal/counters"
	"github.com/reaktive/tcp-nukleus/internal/ids"
	"github.com/reaktive/tcp-nukleus/internal/nukerr"
	"github.com/reaktive/tcp-nukleus/internal/route"
)

// Verb identifies which control operation a Command performs.
type Verb uint8

const (
	VerbRouteServer Verb = iota
	VerbRouteClient
	VerbUnrouteServer
	VerbUnrouteClient
)

func (v Verb) String() string {
	switch v {
	case VerbRouteServer:
		return "ROUTE_SERVER"
	case VerbRouteClient:
		return "ROUTE_CLIENT"
	case VerbUnrouteServer:
		return "UNROUTE_SERVER"
	case VerbUnrouteClient:
		return "UNROUTE_CLIENT"
	default:
		return "UNKNOWN"
	}
}

// Command is one control-surface request. Token is an opaque
// caller-supplied correlation handle, generated with uuid.NewString when
// the caller has none of its own, so a single control connection can
// pipeline multiple in-flight commands and match replies without
// blocking (mirrors how a real Reaktivity control nukleus correlates
// commands over its own connection).
type Command struct {
	Token      string
	Verb       Verb
	Route      route.Route
	RemovePred route.Predicate
}

// Result is the OK/ERROR reply to a Command, carrying the same Token.
// SourceRef carries routeServer's minted reference back to the caller
// (spec.md section 6: "routeServer(...) -> sourceRef"); it is zero for
// every other verb.
type Result struct {
	Token     string
	OK        bool
	SourceRef uint64
	Err       error
}

// Surface applies Commands against a route table, matching
// original_source's accept-vs-strict-error split between adding and
// removing routes.
type Surface struct {
	routes     *route.Table
	sourceRefs *ids.Sequence
	counters   *counters.Counters
	log        *logrus.Entry
}

// New returns a Surface bound to routes. sourceRefs mints the reference
// routeServer hands back to callers (spec.md section 6); it is a
// dedicated Sequence, distinct from internal/ids' stream/correlation
// counters, since sourceRef is a route-table key, not a per-stream id.
func New(routes *route.Table, sourceRefs *ids.Sequence, c *counters.Counters, log *logrus.Entry) *Surface {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Surface{routes: routes, sourceRefs: sourceRefs, counters: c, log: log.WithField("component", "control")}
}

// NewToken mints an opaque command-correlation handle for callers that
// don't already have one of their own.
func NewToken() string { return uuid.NewString() }

// Apply executes cmd and returns its Result. ROUTE_SERVER/ROUTE_CLIENT
// always succeed, including re-adding a byte-identical route
// (original_source's doRouteAccept: "duplicate route is acceptable").
// UNROUTE_SERVER/UNROUTE_CLIENT fail if RemovePred matches nothing
// (original_source's doUnrouteAccept: "unknown route is an error").
//
// ROUTE_SERVER mints a fresh sourceRef for cmd.Route regardless of what
// (if anything) the caller set on it, since sourceRef is routeServer's
// output, not an input (spec.md section 6). ROUTE_CLIENT's sourceRef is
// caller-supplied (a fresh OUTPUT stream's non-zero sourceRef) and passed
// through unchanged.
func (s *Surface) Apply(cmd Command) Result {
	switch cmd.Verb {
	case VerbRouteServer:
		cmd.Route.SourceRef = s.sourceRefs.Next()
		s.routes.Add(cmd.Route)
		s.counters.RouteAdded()
		s.log.WithFields(logrus.Fields{
			"token":     cmd.Token,
			"verb":      cmd.Verb,
			"src":       cmd.Route.SourceName,
			"dst":       cmd.Route.TargetName,
			"sourceRef": cmd.Route.SourceRef,
		}).Info("route installed")
		return Result{Token: cmd.Token, OK: true, SourceRef: cmd.Route.SourceRef}

	case VerbRouteClient:
		s.routes.Add(cmd.Route)
		s.counters.RouteAdded()
		s.log.WithFields(logrus.Fields{
			"token": cmd.Token,
			"verb":  cmd.Verb,
			"src":   cmd.Route.SourceName,
			"dst":   cmd.Route.TargetName,
		}).Info("route installed")
		return Result{Token: cmd.Token, OK: true}

	case VerbUnrouteServer, VerbUnrouteClient:
		if cmd.RemovePred == nil {
			return Result{Token: cmd.Token, Err: nukerr.New(nukerr.CodeMissingPredicate,
				"control: requires a match predicate").WithContext("verb", cmd.Verb.String())}
		}
		if !s.routes.Remove(cmd.RemovePred) {
			return Result{Token: cmd.Token, Err: nukerr.New(nukerr.CodeNoMatch,
				"control: no matching route").WithContext("verb", cmd.Verb.String())}
		}
		s.counters.RouteRemoved()
		s.log.WithFields(logrus.Fields{"token": cmd.Token, "verb": cmd.Verb}).Info("route removed")
		return Result{Token: cmd.Token, OK: true}

	default:
		return Result{Token: cmd.Token, Err: nukerr.New(nukerr.CodeUnknownVerb,
			"control: unknown verb").WithContext("verb", int(cmd.Verb))}
	}
}
