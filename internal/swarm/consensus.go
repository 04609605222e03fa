package swarm

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mtzanidakis/solomon/internal/natsbus"
)

const DefaultVoteTimeout = 5 * time.Second

// ConsensusEngine gathers votes on a decision and turns them into a result.
type ConsensusEngine interface {
	CollectVotes(ctx context.Context, decision Decision, voterIDs []string) ([]Vote, error)
	Calculate(decisionID string, votes []Vote) ConsensusResult
}

// Ballot asks one agent for its vote.
type Ballot interface {
	Ask(ctx context.Context, agentID string, decision Decision) (Vote, error)
}

type BallotFunc func(ctx context.Context, agentID string, decision Decision) (Vote, error)

func (f BallotFunc) Ask(ctx context.Context, agentID string, decision Decision) (Vote, error) {
	return f(ctx, agentID, decision)
}

// WeightedConsensus sums vote confidences per side.
type WeightedConsensus struct {
	ballot  Ballot
	timeout time.Duration
}

// NewWeightedConsensus returns an engine asking voters through ballot. With
// a nil ballot every voter abstains.
func NewWeightedConsensus(ballot Ballot, timeout time.Duration) *WeightedConsensus {
	if timeout <= 0 {
		timeout = DefaultVoteTimeout
	}
	return &WeightedConsensus{ballot: ballot, timeout: timeout}
}

// CollectVotes asks every voter concurrently. The result holds one vote per
// voter in voterIDs order; failures and timeouts become abstentions.
func (e *WeightedConsensus) CollectVotes(ctx context.Context, decision Decision, voterIDs []string) ([]Vote, error) {
	votes := make([]Vote, len(voterIDs))
	var wg sync.WaitGroup
	for i, id := range voterIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			votes[i] = e.ask(ctx, id, decision)
		}(i, id)
	}
	wg.Wait()
	return votes, nil
}

func (e *WeightedConsensus) ask(ctx context.Context, id string, decision Decision) Vote {
	abstain := Vote{AgentID: id, Vote: VoteAbstain, Timestamp: time.Now()}
	if e.ballot == nil {
		return abstain
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type answer struct {
		vote Vote
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		v, err := e.ballot.Ask(ctx, id, decision)
		ch <- answer{v, err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			slog.Warn("vote failed", "decision", decision.ID, "agent", id, "error", a.err)
			return abstain
		}
		v := a.vote
		v.AgentID = id
		if v.Timestamp.IsZero() {
			v.Timestamp = time.Now()
		}
		switch v.Vote {
		case VoteApprove, VoteReject, VoteAbstain:
		default:
			v.Vote = VoteAbstain
		}
		return v
	case <-ctx.Done():
		slog.Warn("vote timed out", "decision", decision.ID, "agent", id)
		return abstain
	}
}

// Calculate is pure: A and R are the summed confidences of approve and
// reject votes. The larger side wins with confidence side/(A+R); a tie or
// no weight at all is no_consensus.
func (e *WeightedConsensus) Calculate(decisionID string, votes []Vote) ConsensusResult {
	return Calculate(decisionID, votes)
}

func Calculate(decisionID string, votes []Vote) ConsensusResult {
	res := ConsensusResult{
		DecisionID: decisionID,
		Votes:      append([]Vote(nil), votes...),
	}
	for _, v := range votes {
		c := clampConfidence(v.Confidence)
		switch v.Vote {
		case VoteApprove:
			res.Approvals++
			res.ApproveWeight += c
		case VoteReject:
			res.Rejections++
			res.RejectWeight += c
		default:
			res.Abstentions++
		}
	}

	total := res.ApproveWeight + res.RejectWeight
	switch {
	case total == 0:
		res.Outcome = OutcomeNoConsensus
	case res.ApproveWeight > res.RejectWeight:
		res.Outcome = OutcomeApprove
		res.Confidence = res.ApproveWeight / total
	case res.RejectWeight > res.ApproveWeight:
		res.Outcome = OutcomeReject
		res.Confidence = res.RejectWeight / total
	default:
		res.Outcome = OutcomeNoConsensus
		res.Confidence = 0.5
	}
	return res
}

func clampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// NATSBallot requests votes on agent.<id>.vote. Agents reply with a Vote.
type NATSBallot struct {
	client *natsbus.Client
}

func NewNATSBallot(client *natsbus.Client) *NATSBallot {
	return &NATSBallot{client: client}
}

// Ask relies on the caller's context for its deadline.
func (b *NATSBallot) Ask(ctx context.Context, agentID string, decision Decision) (Vote, error) {
	var v Vote
	timeout := DefaultVoteTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	err := b.client.RequestJSON(ctx, natsbus.TopicAgentVote(agentID), decision, &v, timeout)
	return v, err
}
