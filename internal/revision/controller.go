// Package revision runs schedule and validate rounds, widening the daily
// cap within a hard limit, and maps the final round to a review verdict.
package revision

import (
	"context"
	"fmt"

	"github.com/ashureev/midterm-planner/internal/domain"
	"github.com/ashureev/midterm-planner/internal/scheduling"
	"github.com/ashureev/midterm-planner/internal/validation"
)

// MaxDailyMinutes is the absolute ceiling of any widened cap.
const MaxDailyMinutes = 24 * 60

// Actions recorded per round.
const (
	ActionInitial  = "initial"
	ActionWidenCap = "widen_cap"
)

// Policy bounds the loop.
type Policy struct {
	BaseCap       int
	HardCap       int
	CapStep       int
	MaxRounds     int
	AllowWidening bool
}

// DefaultPolicy returns a 240 minute cap widened by 60 up to 480, three rounds.
func DefaultPolicy() Policy {
	return Policy{BaseCap: 240, HardCap: 480, CapStep: 60, MaxRounds: 3, AllowWidening: true}
}

// hardCap is the effective ceiling: never below the base cap, never above a day.
func (p Policy) hardCap() int {
	return min(MaxDailyMinutes, max(p.HardCap, p.BaseCap))
}

// Round is one schedule and validate pass. Number 0 is the initial pass.
type Round struct {
	Number int
	Cap    int
	Action string
	Plan   scheduling.Output
	Result validation.Result
}

// Observer is called after every round, in order. A non-nil error stops
// the loop and is returned from Run.
type Observer func(ctx context.Context, r Round) error

// Outcome is the final round plus its verdict.
type Outcome struct {
	Final   Round
	Verdict domain.ReviewVerdict
	Rounds  int
}

// Controller drives the loop.
type Controller struct {
	policy   Policy
	observer Observer
}

// New creates a controller. observer may be nil.
func New(policy Policy, observer Observer) *Controller {
	return &Controller{policy: policy, observer: observer}
}

// Run schedules in at the base cap and revises until the plan passes, no
// adjustment remains, or the round budget is spent.
func (c *Controller) Run(ctx context.Context, in scheduling.Input) (Outcome, error) {
	p := c.policy
	hard := p.hardCap()
	dailyCap := min(p.BaseCap, hard)

	round, err := c.pass(ctx, in, 0, dailyCap, ActionInitial)
	if err != nil {
		return Outcome{}, err
	}
	for n := 1; !round.Result.Report.OK() && n <= p.MaxRounds; n++ {
		if !c.canWiden(round, hard) {
			break
		}
		dailyCap = min(hard, dailyCap+max(1, p.CapStep))
		if round, err = c.pass(ctx, in, n, dailyCap, ActionWidenCap); err != nil {
			return Outcome{}, err
		}
	}

	return Outcome{Final: round, Verdict: c.verdict(round, hard), Rounds: round.Number}, nil
}

func (c *Controller) pass(ctx context.Context, in scheduling.Input, n, dailyCap int, action string) (Round, error) {
	in.DailyCap = dailyCap
	plan, err := scheduling.Schedule(in)
	if err != nil {
		return Round{}, fmt.Errorf("schedule round %d: %w", n, err)
	}
	res := validation.Validate(validation.Input{
		Courses:   in.Courses,
		Estimates: in.Estimates,
		Rows:      plan.Rows,
		Start:     in.Start,
		DailyCap:  dailyCap,
	})
	r := Round{Number: n, Cap: dailyCap, Action: action, Plan: plan, Result: res}
	if c.observer != nil {
		if err := c.observer(ctx, r); err != nil {
			return Round{}, err
		}
	}
	return r, nil
}

// canWiden reports whether a larger cap could fix the failing checks. Date
// range, deadline and unmapped topic failures are structural and never widen.
func (c *Controller) canWiden(r Round, hard int) bool {
	rep := r.Result.Report
	if !c.policy.AllowWidening || r.Cap >= hard {
		return false
	}
	if !rep.DateRangeOK || !rep.DeadlineOK {
		return false
	}
	return !rep.LoadBalanceOK || r.Result.Uncovered > 0
}

// infeasible reports whether no cap up to hard could make the final round
// pass.
func infeasible(r Round, hard int) bool {
	rep := r.Result.Report
	if rep.OK() {
		return false
	}
	if !rep.DateRangeOK || !rep.DeadlineOK || rep.UnmappedMinutes > 0 || r.Cap >= hard {
		return true
	}
	return rep.TotalEstimatedMinutes > len(r.Plan.Dates)*hard
}

func (c *Controller) verdict(r Round, hard int) domain.ReviewVerdict {
	widened := r.Cap > c.policy.BaseCap
	v := domain.ReviewVerdict{
		RevisionReasons:  append([]string{}, r.Result.Reasons...),
		ValidationReport: r.Result.Report,
		RevisionRounds:   r.Number,
		EffectiveCap:     r.Cap,
		Infeasible:       infeasible(r, hard),
	}
	switch {
	case r.Result.Report.OK() && !widened:
		v.ResultType = domain.ResultApproved
	case r.Result.Report.OK():
		v.ResultType = domain.ResultCapacityLimited
	case widened && r.Result.CapacityLimitedOnly():
		v.ResultType = domain.ResultCapacityLimited
	default:
		v.ResultType = domain.ResultNeedsRevision
	}
	return v
}
