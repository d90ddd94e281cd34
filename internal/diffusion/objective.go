package diffusion

import (
	"fmt"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/generics"
	. "github.com/gomlx/gomlx/graph"
	"github.com/pkg/errors"
	"strings"
)

// Objective is what the denoising network is trained to predict.
type Objective int

const (
	// PredNoise trains the network to predict the noise ε added to the sample.
	PredNoise Objective = iota

	// PredX0 trains the network to predict the clean sample x0.
	PredX0

	// PredV trains the network to predict the velocity v = sqrt(acp)·ε − sqrt(1−acp)·x0.
	PredV
)

var objectiveNames = []string{"pred_noise", "pred_x0", "pred_v"}

// IsValid returns whether o is one of the defined objectives.
func (o Objective) IsValid() bool {
	return o >= PredNoise && int(o) < len(objectiveNames)
}

// String implements fmt.Stringer.
func (o Objective) String() string {
	if !o.IsValid() {
		return fmt.Sprintf("Objective(%d)", int(o))
	}
	return objectiveNames[o]
}

// ObjectiveValues returns all the objectives.
func ObjectiveValues() []Objective {
	return []Objective{PredNoise, PredX0, PredV}
}

// ParseObjective converts "pred_noise", "pred_x0" or "pred_v" (case-insensitive) to an Objective.
func ParseObjective(name string) (Objective, error) {
	for _, o := range ObjectiveValues() {
		if strings.EqualFold(o.String(), name) {
			return o, nil
		}
	}
	return PredNoise, errors.Wrapf(ErrConfiguration, "unknown objective %q, valid values are %q",
		name, generics.SliceMap(ObjectiveValues(), Objective.String))
}

// objectiveRule holds the formulas that vary per objective.
type objectiveRule struct {
	// predictions converts the raw network output to (ε, x0), following the clip-then-rederive policy:
	// only x0 is ever clipped.
	predictions func(e *Engine, x, t, output *Node, clip, rederiveNoise bool) (predNoise, predXStart *Node)

	// target the network should output during training.
	target func(e *Engine, xStart, t, noise *Node) *Node

	// lossWeight as a function of the signal-to-noise ratio.
	lossWeight func(snr float64) float64
}

var objectiveRules = [...]objectiveRule{
	PredNoise: {
		predictions: func(e *Engine, x, t, output *Node, clip, rederiveNoise bool) (*Node, *Node) {
			predNoise := output
			xStart := e.maybeClip(e.PredictStartFromNoise(x, t, predNoise), clip)
			if clip && rederiveNoise {
				predNoise = e.PredictNoiseFromStart(x, t, xStart)
			}
			return predNoise, xStart
		},
		target: func(_ *Engine, _, _, noise *Node) *Node {
			return noise
		},
		lossWeight: func(float64) float64 { return 1 },
	},
	PredX0: {
		predictions: func(e *Engine, x, t, output *Node, clip, _ bool) (*Node, *Node) {
			xStart := e.maybeClip(output, clip)
			return e.PredictNoiseFromStart(x, t, xStart), xStart
		},
		target: func(_ *Engine, xStart, _, _ *Node) *Node {
			return xStart
		},
		lossWeight: func(snr float64) float64 { return snr },
	},
	PredV: {
		predictions: func(e *Engine, x, t, output *Node, clip, _ bool) (*Node, *Node) {
			xStart := e.maybeClip(e.PredictStartFromV(x, t, output), clip)
			return e.PredictNoiseFromStart(x, t, xStart), xStart
		},
		target: func(e *Engine, xStart, t, noise *Node) *Node {
			return e.PredictV(xStart, t, noise)
		},
		lossWeight: func(snr float64) float64 { return snr / (snr + 1) },
	},
}

func (o Objective) rule() *objectiveRule {
	return &objectiveRules[o]
}
