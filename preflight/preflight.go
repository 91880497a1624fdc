// Package preflight checks with the IAM policy simulator that a principal may
// call every DynamoDB action a run needs, before any request is sent.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/gurre/ddb-effect/aws"
	"github.com/gurre/ddb-effect/request"
)

// ErrDenied is returned when at least one action is not allowed.
var ErrDenied = errors.New("permission denied")

// Decision is the simulator verdict for one action.
type Decision struct {
	Action   string
	Decision types.PolicyEvaluationDecisionType
}

// Allowed reports whether the action may be called.
func (d Decision) Allowed() bool {
	return d.Decision == types.PolicyEvaluationDecisionTypeAllowed
}

// Requirements collects the IAM actions a set of requests needs.
type Requirements struct {
	actions map[string]struct{}
}

// Add records the action req needs. ExecuteStatement lines that are not
// PartiQL statements are left for the service to reject.
func (r *Requirements) Add(req request.Request) {
	action, ok := ActionFor(req)
	if !ok {
		return
	}
	if r.actions == nil {
		r.actions = make(map[string]struct{})
	}
	r.actions[action] = struct{}{}
}

// Actions returns the recorded actions in sorted order.
func (r *Requirements) Actions() []string {
	actions := make([]string, 0, len(r.actions))
	for a := range r.actions {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	return actions
}

// partiQLActions maps a statement's leading verb to its IAM action.
var partiQLActions = map[string]string{
	"SELECT": "dynamodb:PartiQLSelect",
	"INSERT": "dynamodb:PartiQLInsert",
	"UPDATE": "dynamodb:PartiQLUpdate",
	"DELETE": "dynamodb:PartiQLDelete",
}

// ActionFor returns the IAM action needed to send req. Item operations need
// the action of the same name; PartiQL statements need the action of their
// verb.
func ActionFor(req request.Request) (string, bool) {
	if req.Op != request.OpExecuteStatement {
		return "dynamodb:" + req.Op, req.Op != ""
	}
	in, ok := req.Params.(*dynamodb.ExecuteStatementInput)
	if !ok {
		return "", false
	}
	words := strings.Fields(awsv2.ToString(in.Statement))
	if len(words) == 0 {
		return "", false
	}
	action, ok := partiQLActions[strings.ToUpper(words[0])]
	return action, ok
}

// Check simulates actions for principalARN against resources ("*" when
// empty). It returns every decision and wraps ErrDenied when any action is
// refused. A run that needs no action passes without calling the simulator.
func Check(ctx context.Context, client aws.IAMClient, principalARN string, actions []string, resources []string) ([]Decision, error) {
	if len(actions) == 0 {
		return nil, nil
	}
	if len(resources) == 0 {
		resources = []string{"*"}
	}
	input := &iam.SimulatePrincipalPolicyInput{
		PolicySourceArn: awsv2.String(principalARN),
		ActionNames:     actions,
		ResourceArns:    resources,
	}

	var decisions []Decision
	for {
		out, err := client.SimulatePrincipalPolicy(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to simulate policy for %s: %w", principalARN, err)
		}
		for _, r := range out.EvaluationResults {
			decisions = append(decisions, Decision{
				Action:   awsv2.ToString(r.EvalActionName),
				Decision: r.EvalDecision,
			})
		}
		if !out.IsTruncated || out.Marker == nil {
			break
		}
		input.Marker = out.Marker
	}

	var denied []string
	for _, d := range decisions {
		if !d.Allowed() {
			denied = append(denied, fmt.Sprintf("%s (%s)", d.Action, d.Decision))
		}
	}
	if len(denied) > 0 {
		return decisions, fmt.Errorf("%w for %s: %s", ErrDenied, principalARN, strings.Join(denied, ", "))
	}
	return decisions, nil
}
