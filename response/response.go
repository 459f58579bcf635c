// Package response holds the generation turn's candidate output: N
// candidate response strings and, optionally, N scores, per spec.md
// §4.7. The score's meaning (sum of log-probs vs. last-token
// probability) is left to the sampling layer (spec.md §9 open
// question); this package fixes only the -Inf default and lazy
// allocation.
package response

import (
	"math"

	"github.com/onloop/npuexec/status"
)

// Container holds the N candidate response strings produced by one
// generation turn.
type Container struct {
	texts  []string
	scores []float64
}

// NewContainer returns a Container holding texts verbatim, with no
// scores allocated yet.
func NewContainer(texts []string) *Container {
	out := make([]string, len(texts))
	copy(out, texts)
	return &Container{texts: out}
}

// Len returns the number of candidates.
func (c *Container) Len() int { return len(c.texts) }

func (c *Container) checkIndex(i int) error {
	if i < 0 || i >= len(c.texts) {
		return status.InvalidArgumentf("response: index %d out of range [0, %d)", i, len(c.texts))
	}
	return nil
}

// TextAt returns the candidate text at i.
func (c *Container) TextAt(i int) (string, error) {
	if err := c.checkIndex(i); err != nil {
		return "", err
	}
	return c.texts[i], nil
}

// SetTextAt overwrites the candidate text at i.
func (c *Container) SetTextAt(i int, text string) error {
	if err := c.checkIndex(i); err != nil {
		return err
	}
	c.texts[i] = text
	return nil
}

// ScoreAt returns the score at i, or -Inf if no score has ever been
// written for any candidate (scores are allocated lazily, on first
// write).
func (c *Container) ScoreAt(i int) (float64, error) {
	if err := c.checkIndex(i); err != nil {
		return 0, err
	}
	if c.scores == nil {
		return math.Inf(-1), nil
	}
	return c.scores[i], nil
}

// SetScoreAt writes the score at i, allocating the backing slice
// (initialized to -Inf for every other candidate) on first use.
func (c *Container) SetScoreAt(i int, score float64) error {
	if err := c.checkIndex(i); err != nil {
		return err
	}
	if c.scores == nil {
		c.scores = make([]float64, len(c.texts))
		for j := range c.scores {
			c.scores[j] = math.Inf(-1)
		}
	}
	c.scores[i] = score
	return nil
}
