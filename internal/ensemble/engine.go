package ensemble

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"anpr-edge/internal/domain/anpr"
	"anpr-edge/internal/ingest"
)

type Model struct {
	Name       string
	Weight     float64
	Recognizer ingest.Recognizer
}

// Engine fans a crop out to every configured model in parallel and folds the
// answers into Votes in configuration order, so the insertion-order tie break
// does not depend on which model finished first.
type Engine struct {
	models    []Model
	policy    Policy
	beamWidth int
	log       zerolog.Logger
}

func NewEngine(policy Policy, beamWidth int, log zerolog.Logger, models ...Model) (*Engine, error) {
	if _, err := ParsePolicy(string(policy)); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(models))
	for _, m := range models {
		if m.Recognizer == nil {
			return nil, fmt.Errorf("model %q has no recognizer", m.Name)
		}
		if seen[m.Name] {
			return nil, fmt.Errorf("model %q configured twice", m.Name)
		}
		seen[m.Name] = true
	}
	return &Engine{
		models:    models,
		policy:    policy,
		beamWidth: beamWidth,
		log:       log.With().Str("component", "ensemble").Logger(),
	}, nil
}

// Models is the number of models consulted per crop.
func (e *Engine) Models() int { return len(e.models) }

// Run recognizes crop with every model and decides. A failing model is logged
// and treated as having no opinion; only cancellation of ctx is returned as an
// error.
func (e *Engine) Run(ctx context.Context, crop ingest.Crop) (Decision, []anpr.ModelVote, error) {
	type answer struct {
		res anpr.RecognitionResult
		ok  bool
	}
	answers := make([]answer, len(e.models))

	g, gctx := errgroup.WithContext(ctx)
	for i, m := range e.models {
		i, m := i, m
		g.Go(func() error {
			res, ok, err := m.Recognizer.Recognize(gctx, crop)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				e.log.Warn().Err(err).Str("model", m.Name).Msg("recognizer failed")
				return nil
			}
			answers[i] = answer{res: res, ok: ok}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Decision{}, nil, err
	}

	votes := NewVotes()
	var cast []anpr.ModelVote
	for i, m := range e.models {
		a := answers[i]
		if !a.ok {
			continue
		}
		votes.Add(a.res.Text, a.res.Confidence, m.Weight)
		cast = append(cast, anpr.ModelVote{
			Model:      m.Name,
			Text:       a.res.Text,
			Confidence: a.res.Confidence,
			Weight:     m.Weight,
		})
	}

	d, err := Decide(votes, e.policy, e.beamWidth)
	if err != nil {
		return Decision{}, nil, err
	}
	return d, cast, nil
}
