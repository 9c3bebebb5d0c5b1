package policy

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	pb "github.com/linkerd/linkerd2-proxy-api/go/destination"
	httpPb "github.com/linkerd/linkerd2-proxy-api/go/http_types"
)

const (
	minStatus uint32 = 100
	maxStatus uint32 = 599
)

// Budget defaults applied when a profile declares no retry budget.
const (
	defaultRetryRatio          float32 = 0.2
	defaultMinRetriesPerSecond uint32  = 10
	defaultBudgetTTL                   = 10 * time.Second
)

var (
	errRouteCondition = errors.New("a route must have a condition")
	errRequestMatch   = errors.New("a request match must have a field set")
	errResponseMatch  = errors.New("a response match must have a field set")
)

// InvalidPattern is returned when a route's path pattern fails to
// compile as a regular expression.
type InvalidPattern struct {
	Pattern string
	Err     error
}

func (e *InvalidPattern) Error() string {
	return fmt.Sprintf("invalid path pattern %q: %s", e.Pattern, e.Err)
}

func (e *InvalidPattern) Unwrap() error {
	return e.Err
}

// Compile translates a profile document into an immutable route table.
// It is a pure function: the same document always yields an equivalent
// table. Routes keep their document order. A synthetic default route
// with no retries and no timeout override is always appended; a nil or
// empty document compiles to a table holding only the default route.
func Compile(profile *pb.DestinationProfile) (*RouteTable, error) {
	table := &RouteTable{
		defaultRoute: newDefaultRoute(),
		budget: BudgetParams{
			RetryRatio:          defaultRetryRatio,
			MinRetriesPerSecond: defaultMinRetriesPerSecond,
			TTL:                 defaultBudgetTTL,
		},
	}
	if profile == nil {
		return table, nil
	}

	for _, pbRoute := range profile.GetRoutes() {
		route, err := compileRoute(pbRoute)
		if err != nil {
			return nil, err
		}
		table.routes = append(table.routes, route)
	}

	if rb := profile.GetRetryBudget(); rb != nil {
		budget, err := compileBudget(rb)
		if err != nil {
			return nil, err
		}
		table.budget = budget
	}

	return table, nil
}

// EmptyTable returns a table holding only the default route: no
// declared routes, no retries, no timeout override. It is the table
// served before any profile document has been observed.
func EmptyTable() *RouteTable {
	table, _ := Compile(nil)
	return table
}

func newDefaultRoute() *Route {
	return &Route{Condition: anyRequest{}}
}

func compileRoute(pbRoute *pb.Route) (*Route, error) {
	if pbRoute.GetCondition() == nil {
		return nil, errRouteCondition
	}
	condition, err := compileRequestMatch(pbRoute.GetCondition())
	if err != nil {
		return nil, err
	}

	route := &Route{
		Condition: condition,
		Retryable: pbRoute.GetIsRetryable(),
		Labels:    pbRoute.GetMetricsLabels(),
	}

	if timeout := pbRoute.GetTimeout(); timeout != nil {
		if err := timeout.CheckValid(); err != nil {
			return nil, fmt.Errorf("route has an invalid timeout: %w", err)
		}
		route.Timeout = timeout.AsDuration()
	}

	for _, rc := range pbRoute.GetResponseClasses() {
		if rc.GetCondition() == nil {
			return nil, errors.New("a response class must have a condition")
		}
		condition, err := compileResponseMatch(rc.GetCondition())
		if err != nil {
			return nil, err
		}
		outcome := Success
		if rc.GetIsFailure() {
			// Failures on retryable routes are worth another attempt.
			outcome = Failure
			if route.Retryable {
				outcome = RetryableFailure
			}
		}
		route.ResponseClasses = append(route.ResponseClasses, ResponseClass{
			Condition: condition,
			Outcome:   outcome,
		})
	}

	return route, nil
}

func compileRequestMatch(reqMatch *pb.RequestMatch) (RequestMatch, error) {
	switch match := reqMatch.GetMatch().(type) {
	case *pb.RequestMatch_All:
		all := make(allMatch, 0, len(match.All.GetMatches()))
		for _, m := range match.All.GetMatches() {
			compiled, err := compileRequestMatch(m)
			if err != nil {
				return nil, err
			}
			all = append(all, compiled)
		}
		return all, nil

	case *pb.RequestMatch_Any:
		any := make(anyMatch, 0, len(match.Any.GetMatches()))
		for _, m := range match.Any.GetMatches() {
			compiled, err := compileRequestMatch(m)
			if err != nil {
				return nil, err
			}
			any = append(any, compiled)
		}
		return any, nil

	case *pb.RequestMatch_Not:
		compiled, err := compileRequestMatch(match.Not)
		if err != nil {
			return nil, err
		}
		return notMatch{m: compiled}, nil

	case *pb.RequestMatch_Method:
		return methodMatch(methodString(match.Method)), nil

	case *pb.RequestMatch_Path:
		return compilePathMatch(match.Path.GetRegex())

	default:
		return nil, errRequestMatch
	}
}

// compilePathMatch turns a path pattern into a predicate. Patterns with
// no regexp metacharacters are literal prefixes; anything else is an
// anchored regular expression.
func compilePathMatch(pattern string) (RequestMatch, error) {
	if pattern == "" {
		return nil, errRequestMatch
	}
	if regexp.QuoteMeta(pattern) == pattern {
		return pathPrefixMatch(pattern), nil
	}
	rx, err := regexp.Compile(fmt.Sprintf("^(?:%s)$", pattern))
	if err != nil {
		return nil, &InvalidPattern{Pattern: pattern, Err: err}
	}
	return &pathRegexMatch{rx: rx}, nil
}

func compileResponseMatch(rspMatch *pb.ResponseMatch) (ResponseMatch, error) {
	switch match := rspMatch.GetMatch().(type) {
	case *pb.ResponseMatch_All:
		all := make(allResponseMatch, 0, len(match.All.GetMatches()))
		for _, m := range match.All.GetMatches() {
			compiled, err := compileResponseMatch(m)
			if err != nil {
				return nil, err
			}
			all = append(all, compiled)
		}
		return all, nil

	case *pb.ResponseMatch_Any:
		any := make(anyResponseMatch, 0, len(match.Any.GetMatches()))
		for _, m := range match.Any.GetMatches() {
			compiled, err := compileResponseMatch(m)
			if err != nil {
				return nil, err
			}
			any = append(any, compiled)
		}
		return any, nil

	case *pb.ResponseMatch_Not:
		compiled, err := compileResponseMatch(match.Not)
		if err != nil {
			return nil, err
		}
		return notResponseMatch{m: compiled}, nil

	case *pb.ResponseMatch_Status:
		return compileStatusRange(match.Status)

	default:
		return nil, errResponseMatch
	}
}

func compileStatusRange(status *pb.HttpStatusRange) (ResponseMatch, error) {
	min, max := status.GetMin(), status.GetMax()
	if min != 0 && (min < minStatus || min > maxStatus) {
		return nil, fmt.Errorf("range minimum must be between %d and %d, inclusive", minStatus, maxStatus)
	}
	if max != 0 && (max < minStatus || max > maxStatus) {
		return nil, fmt.Errorf("range maximum must be between %d and %d, inclusive", minStatus, maxStatus)
	}
	if min != 0 && max != 0 && max < min {
		return nil, errors.New("range maximum cannot be smaller than minimum")
	}
	return statusRangeMatch{min: min, max: max}, nil
}

func compileBudget(rb *pb.RetryBudget) (BudgetParams, error) {
	if rb.GetRetryRatio() < 0 {
		return BudgetParams{}, fmt.Errorf("retry budget ratio must be non-negative: %f", rb.GetRetryRatio())
	}
	budget := BudgetParams{
		RetryRatio:          rb.GetRetryRatio(),
		MinRetriesPerSecond: rb.GetMinRetriesPerSecond(),
		TTL:                 defaultBudgetTTL,
	}
	if ttl := rb.GetTtl(); ttl != nil {
		if err := ttl.CheckValid(); err != nil {
			return BudgetParams{}, fmt.Errorf("retry budget has an invalid TTL: %w", err)
		}
		if d := ttl.AsDuration(); d > 0 {
			budget.TTL = d
		}
	}
	return budget, nil
}

func methodString(method *httpPb.HttpMethod) string {
	switch t := method.GetType().(type) {
	case *httpPb.HttpMethod_Registered_:
		return t.Registered.String()
	case *httpPb.HttpMethod_Unregistered:
		return t.Unregistered
	}
	return ""
}
