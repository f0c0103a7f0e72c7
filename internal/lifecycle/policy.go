package lifecycle

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"process-dispatcher/backend/pkg/models"
)

// ErrNoSurvivor is returned when a policy would leave a manifest without
// variants.
var ErrNoSurvivor = errors.New("policy would remove every variant")

// ApplyPolicy resolves an experiment on m in place and clears its experiment
// block. It is pure and idempotent: applying the same resolution to an
// already resolved manifest yields the same manifest.
//
// PROMOTE_VARIANT keeps only the winner at weight 1.0. An empty winner means
// the highest-weighted variant not among losers.
//
// CLEANUP_VARIANT removes the losers and renormalizes the remaining weights
// to sum to 1.0. An empty losers list means every variant but the winner.
func ApplyPolicy(m *models.ProcessManifest, policy models.ResolutionPolicy, winner string, losers []string) error {
	switch policy {
	case models.PolicyPromoteVariant:
		return promote(m, winner, losers)
	case models.PolicyCleanupVariant:
		return cleanup(m, winner, losers)
	}
	return fmt.Errorf("unknown resolution policy %q", policy)
}

func promote(m *models.ProcessManifest, winner string, losers []string) error {
	if winner == "" {
		best := -1.0
		for _, v := range m.Variants {
			if slices.Contains(losers, v.ID) {
				continue
			}
			if w := v.WeightOrZero(); w > best {
				best, winner = w, v.ID
			}
		}
		if winner == "" {
			return ErrNoSurvivor
		}
	}
	v, ok := m.Variant(winner)
	if !ok {
		return fmt.Errorf("winner %q is not a variant of %s", winner, m.ProcessName)
	}
	v.Weight = models.Float64(1)
	m.Variants = []models.Variant{v}
	if _, pinned := m.Strategy.Args["variant_id"]; pinned {
		m.Strategy.Args["variant_id"] = winner
	}
	m.Experiment = nil
	return nil
}

func cleanup(m *models.ProcessManifest, winner string, losers []string) error {
	if len(losers) == 0 {
		if winner == "" {
			return errors.New("cleanup needs a winner or losers")
		}
		for _, v := range m.Variants {
			if v.ID != winner {
				losers = append(losers, v.ID)
			}
		}
	}
	if pinned := m.Strategy.StringArg("variant_id"); pinned != "" && slices.Contains(losers, pinned) {
		return fmt.Errorf("cannot remove %q: strategy pins it", pinned)
	}

	kept := make([]models.Variant, 0, len(m.Variants))
	weighted := false
	for _, v := range m.Variants {
		if slices.Contains(losers, v.ID) {
			continue
		}
		weighted = weighted || v.Weight != nil
		kept = append(kept, v)
	}
	if len(kept) == 0 {
		return ErrNoSurvivor
	}
	if weighted {
		renormalize(kept)
	}
	m.Variants = kept
	m.Experiment = nil
	return nil
}

// renormalize rescales weights to sum to 1.0. Zero total weight is split
// evenly. The last positive weight absorbs rounding error.
func renormalize(variants []models.Variant) {
	total := 0.0
	for _, v := range variants {
		total += v.WeightOrZero()
	}
	if total <= 0 {
		for i := range variants {
			variants[i].Weight = models.Float64(1 / float64(len(variants)))
		}
		return
	}
	sum, last := 0.0, -1
	for i, v := range variants {
		w := v.WeightOrZero() / total
		variants[i].Weight = models.Float64(w)
		sum += w
		if w > 0 {
			last = i
		}
	}
	if last >= 0 && math.Abs(1-sum) > 0 {
		variants[last].Weight = models.Float64(*variants[last].Weight + (1 - sum))
	}
}
