package swarm

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func votes(vs ...Vote) []Vote { return vs }

func TestCalculate(t *testing.T) {
	tests := []struct {
		name       string
		votes      []Vote
		outcome    Outcome
		confidence float64
	}{
		{
			name: "weighted majority approves",
			votes: votes(
				Vote{Vote: VoteApprove, Confidence: 0.9},
				Vote{Vote: VoteApprove, Confidence: 0.8},
				Vote{Vote: VoteReject, Confidence: 0.5},
			),
			outcome:    OutcomeApprove,
			confidence: 1.7 / 2.2,
		},
		{
			name: "confident minority rejects",
			votes: votes(
				Vote{Vote: VoteApprove, Confidence: 0.1},
				Vote{Vote: VoteApprove, Confidence: 0.1},
				Vote{Vote: VoteReject, Confidence: 0.9},
			),
			outcome:    OutcomeReject,
			confidence: 0.9 / 1.1,
		},
		{name: "no votes", votes: nil, outcome: OutcomeNoConsensus, confidence: 0},
		{
			name:       "all abstain",
			votes:      votes(Vote{Vote: VoteAbstain, Confidence: 1}, Vote{Vote: VoteAbstain}),
			outcome:    OutcomeNoConsensus,
			confidence: 0,
		},
		{
			name:       "tie",
			votes:      votes(Vote{Vote: VoteApprove, Confidence: 0.6}, Vote{Vote: VoteReject, Confidence: 0.6}),
			outcome:    OutcomeNoConsensus,
			confidence: 0.5,
		},
		{
			name:       "confidence clamped",
			votes:      votes(Vote{Vote: VoteApprove, Confidence: 7}, Vote{Vote: VoteReject, Confidence: -3}),
			outcome:    OutcomeApprove,
			confidence: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Calculate("d1", tt.votes)
			if res.Outcome != tt.outcome {
				t.Fatalf("outcome = %s, want %s", res.Outcome, tt.outcome)
			}
			if math.Abs(res.Confidence-tt.confidence) > 1e-9 {
				t.Errorf("confidence = %v, want %v", res.Confidence, tt.confidence)
			}
			if res.DecisionID != "d1" {
				t.Errorf("decision id = %s", res.DecisionID)
			}
			if len(res.Votes) != len(tt.votes) {
				t.Errorf("expected %d votes kept, got %d", len(tt.votes), len(res.Votes))
			}
		})
	}
}

func TestCalculateCounts(t *testing.T) {
	res := Calculate("d", votes(
		Vote{Vote: VoteApprove, Confidence: 0.5},
		Vote{Vote: VoteReject, Confidence: 0.2},
		Vote{Vote: VoteAbstain},
		Vote{Vote: VoteAbstain},
	))
	if res.Approvals != 1 || res.Rejections != 1 || res.Abstentions != 2 {
		t.Fatalf("unexpected counts %+v", res)
	}
	if res.ApproveWeight != 0.5 || res.RejectWeight != 0.2 {
		t.Fatalf("unexpected weights %+v", res)
	}
}

func TestCalculateMonotonic(t *testing.T) {
	base := votes(Vote{Vote: VoteApprove, Confidence: 0.4}, Vote{Vote: VoteReject, Confidence: 0.6})
	prev := Calculate("d", base)
	if prev.Outcome != OutcomeReject {
		t.Fatalf("expected reject baseline, got %s", prev.Outcome)
	}
	share := func(r ConsensusResult) float64 { return r.ApproveWeight / (r.ApproveWeight + r.RejectWeight) }
	last := share(prev)
	for i := 0; i < 5; i++ {
		base = append(base, Vote{Vote: VoteApprove, Confidence: 0.3})
		r := Calculate("d", base)
		if s := share(r); s < last {
			t.Fatalf("approve share dropped from %v to %v", last, s)
		} else {
			last = s
		}
	}
}

func TestCollectVotesOrderAndAbstain(t *testing.T) {
	ballot := BallotFunc(func(ctx context.Context, id string, _ Decision) (Vote, error) {
		switch id {
		case "slow":
			<-ctx.Done()
			return Vote{}, ctx.Err()
		case "broken":
			return Vote{}, errors.New("agent crashed")
		case "weird":
			return Vote{Vote: "maybe", Confidence: 1}, nil
		}
		// Later voters answer first so order can't come from completion.
		if id == "a" {
			time.Sleep(20 * time.Millisecond)
		}
		return Vote{AgentID: "spoofed", Vote: VoteApprove, Confidence: 0.7}, nil
	})
	e := NewWeightedConsensus(ballot, 50*time.Millisecond)

	ids := []string{"a", "slow", "broken", "b", "weird"}
	got, err := e.CollectVotes(context.Background(), Decision{ID: "d"}, ids)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(ids) {
		t.Fatalf("expected %d votes, got %d", len(ids), len(got))
	}
	for i, v := range got {
		if v.AgentID != ids[i] {
			t.Errorf("vote %d from %s, want %s", i, v.AgentID, ids[i])
		}
	}
	want := []VoteChoice{VoteApprove, VoteAbstain, VoteAbstain, VoteApprove, VoteAbstain}
	for i, w := range want {
		if got[i].Vote != w {
			t.Errorf("vote %d = %s, want %s", i, got[i].Vote, w)
		}
	}
}

func TestCollectVotesCancelledContext(t *testing.T) {
	ballot := BallotFunc(func(ctx context.Context, _ string, _ Decision) (Vote, error) {
		<-ctx.Done()
		return Vote{}, ctx.Err()
	})
	e := NewWeightedConsensus(ballot, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := e.CollectVotes(ctx, Decision{ID: "d"}, []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	res := e.Calculate("d", got)
	if res.Outcome != OutcomeNoConsensus || res.Abstentions != 2 {
		t.Fatalf("expected all abstain, got %+v", res)
	}
}

func TestConcurrentRoundsDoNotShareVotes(t *testing.T) {
	ballot := BallotFunc(func(_ context.Context, _ string, d Decision) (Vote, error) {
		if d.ID == "yes" {
			return Vote{Vote: VoteApprove, Confidence: 1}, nil
		}
		return Vote{Vote: VoteReject, Confidence: 1}, nil
	})
	e := NewWeightedConsensus(ballot, time.Second)
	ids := []string{"a", "b", "c"}

	results := make(chan ConsensusResult, 20)
	for i := 0; i < 10; i++ {
		for _, id := range []string{"yes", "no"} {
			go func(id string) {
				vs, _ := e.CollectVotes(context.Background(), Decision{ID: id}, ids)
				results <- e.Calculate(id, vs)
			}(id)
		}
	}
	for i := 0; i < 20; i++ {
		r := <-results
		want := OutcomeReject
		if r.DecisionID == "yes" {
			want = OutcomeApprove
		}
		if r.Outcome != want || r.Confidence != 1 {
			t.Fatalf("round %s leaked votes: %+v", r.DecisionID, r)
		}
	}
}
