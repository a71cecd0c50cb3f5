package services

import (
	"encoding/json"

	"jerky-rank-system/models"
)

// Predicates are data: a kind plus JSONB params, interpreted here by a fixed
// set of evaluators. Each interpreter reduces the projection to a single
// progress number; the definition's tier rungs decide what that number earns.

type counterParams struct {
	EventKind string `json:"event_kind"`
	Distinct  bool   `json:"distinct"`
	FlavorTag string `json:"flavor_tag,omitempty"`
}

type streakParams struct {
	EventKind string `json:"event_kind"`
	Current   bool   `json:"current"` // current streak instead of longest
}

type setCoverageParams struct {
	Dimension   string `json:"dimension"` // flavor_tag | protein
	MaxPosition int    `json:"max_position"`
}

type collectionParams struct {
	Collection string   `json:"collection"` // static | dynamic
	ProductIDs []string `json:"product_ids,omitempty"`
	Protein    string   `json:"protein,omitempty"`
}

type secretParams struct {
	Rule      string `json:"rule"` // night_owl | title_twins
	StartHour int    `json:"start_hour,omitempty"`
	EndHour   int    `json:"end_hour,omitempty"`
	Count     int    `json:"count,omitempty"`
}

// EvaluatePredicate computes a definition's progress against a projection.
// Pure: no I/O, no clock reads beyond proj.Now.
func EvaluatePredicate(def *models.CoinDefinition, proj *Projection) (int64, error) {
	switch def.PredicateKind {
	case models.PredicateCounter:
		var p counterParams
		if err := json.Unmarshal(def.PredicateParams, &p); err != nil {
			return 0, Errf(ErrBug, "coin %s: bad counter params: %v", def.Code, err)
		}
		return counterProgress(p, proj), nil

	case models.PredicateStreak:
		var p streakParams
		if err := json.Unmarshal(def.PredicateParams, &p); err != nil {
			return 0, Errf(ErrBug, "coin %s: bad streak params: %v", def.Code, err)
		}
		if p.Current {
			return int64(proj.CurrentDailyStreak(p.EventKind)), nil
		}
		return int64(proj.LongestDailyStreak(p.EventKind)), nil

	case models.PredicateSetCoverage:
		var p setCoverageParams
		if err := json.Unmarshal(def.PredicateParams, &p); err != nil {
			return 0, Errf(ErrBug, "coin %s: bad set_coverage params: %v", def.Code, err)
		}
		return coverageProgress(p, proj), nil

	case models.PredicateCollection:
		var p collectionParams
		if err := json.Unmarshal(def.PredicateParams, &p); err != nil {
			return 0, Errf(ErrBug, "coin %s: bad collection params: %v", def.Code, err)
		}
		return collectionProgress(p, proj), nil

	case models.PredicateSecret:
		var p secretParams
		if err := json.Unmarshal(def.PredicateParams, &p); err != nil {
			return 0, Errf(ErrBug, "coin %s: bad secret params: %v", def.Code, err)
		}
		return secretProgress(p, proj), nil
	}
	return 0, Errf(ErrBug, "coin %s: unknown predicate kind %q", def.Code, def.PredicateKind)
}

func counterProgress(p counterParams, proj *Projection) int64 {
	switch p.EventKind {
	case models.EventKindRank:
		var n int64
		for productID := range proj.Ranks {
			if p.FlavorTag != "" && !hasTag(proj.FlavorTags(productID), p.FlavorTag) {
				continue
			}
			n++
		}
		return n
	case models.EventKindDelivery:
		return proj.DeliveredCount
	default:
		var n int64
		seen := make(map[string]bool)
		for _, e := range proj.Engagements {
			if e.Kind != p.EventKind {
				continue
			}
			if p.Distinct {
				if e.ProductID == "" || seen[e.ProductID] {
					continue
				}
				seen[e.ProductID] = true
			}
			n++
		}
		return n
	}
}

func coverageProgress(p setCoverageParams, proj *Projection) int64 {
	maxPos := p.MaxPosition
	if maxPos <= 0 {
		maxPos = 1 << 30
	}
	seen := make(map[string]bool)
	for productID, entry := range proj.Ranks {
		if entry.Position > maxPos {
			continue
		}
		switch p.Dimension {
		case "protein":
			if m, ok := proj.Meta[productID]; ok && m.ProteinCategory != "" {
				seen[m.ProteinCategory] = true
			}
		default: // flavor_tag
			for _, t := range proj.FlavorTags(productID) {
				seen[t] = true
			}
		}
	}
	return int64(len(seen))
}

// collectionProgress returns 1 when every product in the collection is
// currently ranked, 0 otherwise. An empty collection never completes.
func collectionProgress(p collectionParams, proj *Projection) int64 {
	var members []string
	if p.Collection == "dynamic" {
		members = proj.CatalogByProtein[p.Protein]
	} else {
		members = p.ProductIDs
	}
	if len(members) == 0 {
		return 0
	}
	for _, id := range members {
		if _, ok := proj.Ranks[id]; !ok {
			return 0
		}
	}
	return 1
}

func secretProgress(p secretParams, proj *Projection) int64 {
	need := p.Count
	if need <= 0 {
		need = 1
	}
	switch p.Rule {
	case "night_owl":
		n := 0
		for _, e := range proj.RankEvents {
			if e.Removed() {
				continue
			}
			h := e.OccurredAt.UTC().Hour()
			if h >= p.StartHour && h < p.EndHour {
				n++
			}
		}
		if n >= need {
			return 1
		}
	case "title_twins":
		byLen := make(map[int]int)
		for productID := range proj.Ranks {
			if pr, ok := proj.Products[productID]; ok {
				byLen[len(pr.Title)]++
				if byLen[len(pr.Title)] >= need {
					return 1
				}
			}
		}
	}
	return 0
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
