// Package ensemble combines the opinions of several plate recognizers into a
// single decision.
package ensemble

import (
	"errors"
	"fmt"
	"sort"
)

type Policy string

const (
	// PolicyMajority picks the text most recognizers agreed on.
	PolicyMajority Policy = "majority"
	// PolicyWeighted picks the text with the largest confidence*weight sum.
	PolicyWeighted Policy = "weighted"
	// PolicyBeamSearch ranks by weighted sum and keeps the top beam width
	// candidates before choosing. The name is kept for config compatibility.
	PolicyBeamSearch Policy = "beam-search"
)

var ErrUnknownPolicy = errors.New("unknown ensemble policy")

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyMajority, PolicyWeighted, PolicyBeamSearch:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Decision is the ensemble output. An empty Text with zero Confidence means
// recognition was inconclusive.
type Decision struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (d Decision) Inconclusive() bool {
	return d.Text == "" && d.Confidence == 0
}

// Votes accumulates weighted opinions per text, remembering the order in which
// each text was first seen.
type Votes struct {
	order  []string
	sums   map[string]float64
	counts map[string]int
}

func NewVotes() *Votes {
	return &Votes{
		sums:   make(map[string]float64),
		counts: make(map[string]int),
	}
}

// Add records one recognizer's opinion. Empty text is a valid vote.
func (v *Votes) Add(text string, confidence, weight float64) {
	if _, seen := v.counts[text]; !seen {
		v.order = append(v.order, text)
	}
	v.sums[text] += confidence * weight
	v.counts[text]++
}

func (v *Votes) Len() int {
	if v == nil {
		return 0
	}
	return len(v.order)
}

func (v *Votes) Sum(text string) float64 { return v.sums[text] }
func (v *Votes) Count(text string) int   { return v.counts[text] }

// Decide selects a text according to policy. beamWidth is only read by
// PolicyBeamSearch; values below 1 are treated as 1.
func Decide(v *Votes, policy Policy, beamWidth int) (Decision, error) {
	switch policy {
	case PolicyMajority, PolicyWeighted, PolicyBeamSearch:
	default:
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}
	if v.Len() == 0 {
		return Decision{}, nil
	}

	var text string
	switch policy {
	case PolicyMajority:
		text = v.order[0]
		for _, t := range v.order[1:] {
			if v.counts[t] > v.counts[text] {
				text = t
			}
		}
	case PolicyWeighted:
		text = v.order[0]
		for _, t := range v.order[1:] {
			if v.sums[t] > v.sums[text] {
				text = t
			}
		}
	case PolicyBeamSearch:
		ranked := append([]string(nil), v.order...)
		sort.SliceStable(ranked, func(i, j int) bool {
			return v.sums[ranked[i]] > v.sums[ranked[j]]
		})
		if beamWidth < 1 {
			beamWidth = 1
		}
		if beamWidth < len(ranked) {
			ranked = ranked[:beamWidth]
		}
		text = ranked[0]
	}
	return Decision{Text: text, Confidence: v.sums[text]}, nil
}
