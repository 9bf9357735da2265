package advisory

import (
	"context"
	"testing"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Decision
		wantErr bool
	}{
		{
			name:    "plain json",
			content: `{"approved": true, "confidence": 8, "reason": "trend reversal"}`,
			want:    Decision{Approved: true, Confidence: 8, Reason: "trend reversal"},
		},
		{
			name:    "fenced json",
			content: "```json\n{\"approved\": false, \"confidence\": 9, \"reason\": \"hold\"}\n```",
			want:    Decision{Approved: false, Confidence: 9, Reason: "hold"},
		},
		{
			name:    "prose around json",
			content: `Here is my verdict: {"approved": true, "confidence": 7, "reason": "ok"} — good luck`,
			want:    Decision{Approved: true, Confidence: 7, Reason: "ok"},
		},
		{
			name:    "no json",
			content: "I think you should exit.",
			wantErr: true,
		},
		{
			name:    "confidence out of range",
			content: `{"approved": true, "confidence": 12, "reason": "sure"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDecision(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDecision: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecisionMeets(t *testing.T) {
	d := Decision{Approved: true, Confidence: 7}
	if !d.Meets(7) {
		t.Error("confidence at floor should pass")
	}
	if d.Meets(8) {
		t.Error("confidence below floor should fail")
	}
	if (Decision{Approved: false, Confidence: 10}).Meets(1) {
		t.Error("unapproved decision never meets")
	}
}

func TestStaticAdvisor(t *testing.T) {
	s := Permissive()
	d, err := s.ShouldExit(context.Background(), PositionSummary{Symbol: "SPY"})
	if err != nil {
		t.Fatalf("ShouldExit: %v", err)
	}
	if !d.Meets(10) {
		t.Errorf("permissive advisor should approve at max confidence: %+v", d)
	}

	veto := &Static{}
	d, err = veto.ApproveRoll(context.Background(), PositionSummary{}, "plan")
	if err != nil {
		t.Fatalf("ApproveRoll: %v", err)
	}
	if d.Meets(1) {
		t.Error("zero-value static advisor should veto")
	}
}
