package services

import (
	"fmt"
	"time"

	"jerky-rank-system/models"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Guidance is structured data for the UI to render; the selector never
// touches presentation.
type Guidance struct {
	Icon            string `json:"icon"`
	Title           string `json:"title"`
	MessageTemplate string `json:"message_template"`
	SuggestedAction string `json:"suggested_action"`
}

// GuidanceInput is everything the selector may look at. Now is an explicit
// parameter so the function stays deterministic.
type GuidanceInput struct {
	States      []models.FlavorProfileState
	Progress    *ProgressSummary
	PageContext string // e.g. "rankings", "coins", "community"
	Now         time.Time
}

var titleCaser = cases.Title(language.English)

// dominantState picks the user's most advanced profile, preferring deeper
// lifecycle states and breaking ties on ranked count.
func dominantState(states []models.FlavorProfileState) *models.FlavorProfileState {
	order := map[string]int{
		models.FlavorStateCurious:    0,
		models.FlavorStateSeeker:     1,
		models.FlavorStateTaster:     2,
		models.FlavorStateModerate:   3,
		models.FlavorStateExplorer:   4,
		models.FlavorStateEnthusiast: 5,
	}
	var best *models.FlavorProfileState
	for i := range states {
		st := &states[i]
		if best == nil || order[st.State] > order[best.State] ||
			(order[st.State] == order[best.State] && st.RankedCount > best.RankedCount) {
			best = st
		}
	}
	return best
}

// SelectGuidance maps (classification, progress, page) to one guidance card.
// Pure: same inputs, same output.
func SelectGuidance(in GuidanceInput) Guidance {
	if in.Progress != nil && len(in.Progress.NextMilestones) > 0 && in.PageContext == "coins" {
		m := in.Progress.NextMilestones[0]
		return Guidance{
			Icon:            m.IconURL,
			Title:           fmt.Sprintf("%s is within reach", m.Name),
			MessageTemplate: fmt.Sprintf("%d more to %s tier.", m.Remaining, m.Tier),
			SuggestedAction: "rank_more",
		}
	}

	if in.Progress != nil && len(in.Progress.RecentAchievements) > 0 {
		recent := in.Progress.RecentAchievements[0]
		if recent.EarnedAt != nil {
			age := in.Now.Sub(*recent.EarnedAt)
			if age >= 0 && age < time.Hour {
				return Guidance{
					Icon:            recent.IconURL,
					Title:           "Fresh coin!",
					MessageTemplate: fmt.Sprintf("You earned %s %d minutes ago.", recent.Name, int(age.Minutes())),
					SuggestedAction: "view_coins",
				}
			}
		}
	}

	st := dominantState(in.States)
	if st == nil {
		return Guidance{
			Icon:            "icons/guidance/start.svg",
			Title:           "Start your jerky journey",
			MessageTemplate: "Rank your first jerky to join a flavor community.",
			SuggestedAction: "rank_first",
		}
	}

	profile := titleCaser.String(st.FlavorProfile)
	switch st.State {
	case models.FlavorStateEnthusiast:
		return Guidance{
			Icon:            "icons/guidance/enthusiast.svg",
			Title:           fmt.Sprintf("%s Enthusiast", profile),
			MessageTemplate: fmt.Sprintf("You rank %s jerky higher than almost anyone. Your picks guide the community.", st.FlavorProfile),
			SuggestedAction: "share_ranking",
		}
	case models.FlavorStateExplorer:
		return Guidance{
			Icon:            "icons/guidance/explorer.svg",
			Title:           fmt.Sprintf("%s Explorer", profile),
			MessageTemplate: fmt.Sprintf("You try %s jerky but rank other flavors higher. Branch out further?", st.FlavorProfile),
			SuggestedAction: "browse_other_profiles",
		}
	case models.FlavorStateModerate:
		return Guidance{
			Icon:            "icons/guidance/moderate.svg",
			Title:           fmt.Sprintf("%s Regular", profile),
			MessageTemplate: fmt.Sprintf("Solidly in the %s community. A few more rankings could push you into the enthusiast tier.", st.FlavorProfile),
			SuggestedAction: "rank_more",
		}
	case models.FlavorStateTaster:
		return Guidance{
			Icon:            "icons/guidance/taster.svg",
			Title:           fmt.Sprintf("%s Taster", profile),
			MessageTemplate: fmt.Sprintf("Your %s jerky has arrived. Rank it to find your community.", st.FlavorProfile),
			SuggestedAction: "rank_delivered",
		}
	case models.FlavorStateSeeker:
		return Guidance{
			Icon:            "icons/guidance/seeker.svg",
			Title:           fmt.Sprintf("%s Seeker", profile),
			MessageTemplate: fmt.Sprintf("Your %s order is on its way. Rankings unlock on delivery.", st.FlavorProfile),
			SuggestedAction: "track_order",
		}
	default:
		return Guidance{
			Icon:            "icons/guidance/curious.svg",
			Title:           fmt.Sprintf("Curious about %s?", profile),
			MessageTemplate: fmt.Sprintf("Try a %s jerky to start climbing that community.", st.FlavorProfile),
			SuggestedAction: "browse_profile",
		}
	}
}
