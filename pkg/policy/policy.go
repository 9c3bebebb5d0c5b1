// Package policy compiles profile documents into immutable route
// tables and matches requests against them.
package policy

import (
	"net/http"
	"time"
)

// Outcome is the classification of a single request attempt.
type Outcome int

const (
	Success Outcome = iota
	Failure
	RetryableFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case RetryableFailure:
		return "retryable-failure"
	}
	return "unknown"
}

// Request carries the request attributes that route predicates may inspect.
type Request struct {
	Method  string
	Path    string
	Headers http.Header
}

// RequestMatch is a compiled route predicate.
type RequestMatch interface {
	Matches(req Request) bool
}

// ResponseMatch is a compiled response predicate, evaluated against the
// HTTP status of a completed attempt.
type ResponseMatch interface {
	MatchesStatus(status uint32) bool
}

// ResponseClass maps a response predicate to an outcome. Classes are
// consulted in declaration order; the first match wins.
type ResponseClass struct {
	Condition ResponseMatch
	Outcome   Outcome
}

// Route is a compiled match predicate plus the retry, timeout, and
// classification policy applied to requests it matches.
type Route struct {
	Condition       RequestMatch
	ResponseClasses []ResponseClass
	Retryable       bool
	// Timeout is the per-attempt timeout override. Zero means the route
	// declares none.
	Timeout time.Duration
	Labels  map[string]string
}

// Classify maps one attempt's result onto an outcome. Transport-level
// errors are always retryable regardless of the declared classes.
// Statuses matched by no class default to success for 2xx and failure
// otherwise.
func (r *Route) Classify(status uint32, err error) Outcome {
	if err != nil {
		return RetryableFailure
	}
	for _, rc := range r.ResponseClasses {
		if rc.Condition.MatchesStatus(status) {
			return rc.Outcome
		}
	}
	if status >= 200 && status < 300 {
		return Success
	}
	return Failure
}

// BudgetParams are the retry budget parameters carried by a compiled
// route table. A fresh budget is minted from them each time a table is
// published.
type BudgetParams struct {
	RetryRatio          float32
	MinRetriesPerSecond uint32
	TTL                 time.Duration
}

// RouteTable is an immutable, ordered set of compiled routes. The zero
// value is not usable; tables are built by Compile.
type RouteTable struct {
	routes       []*Route
	defaultRoute *Route
	budget       BudgetParams
}

// Routes returns the declared routes in document order. The default
// route is not included.
func (rt *RouteTable) Routes() []*Route {
	return rt.routes
}

// DefaultRoute returns the route used when no declared route matches.
func (rt *RouteTable) DefaultRoute() *Route {
	return rt.defaultRoute
}

// Budget returns the retry budget parameters declared by the source
// document, or the defaults if it declared none.
func (rt *RouteTable) Budget() BudgetParams {
	return rt.budget
}

// Match returns the first route whose predicate accepts the request,
// falling back to the default route. It never returns nil.
func (rt *RouteTable) Match(req Request) *Route {
	for _, route := range rt.routes {
		if route.Condition.Matches(req) {
			return route
		}
	}
	return rt.defaultRoute
}
