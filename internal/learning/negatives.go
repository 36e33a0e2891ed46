package learning

import (
	"sort"
	"strings"

	"sakuga/internal/store"
)

// rejectionNegativeMap translates a rejection category into negative-prompt
// terms. The mapping is fixed; vision review emits only these categories.
var rejectionNegativeMap = map[store.RejectionCategory][]string{
	store.RejectWrongAppearance: {"wrong outfit", "off-model"},
	store.RejectNotSolo:         {"multiple people", "crowd", "extra characters"},
	store.RejectWrongPose:       {"awkward pose", "broken anatomy"},
	store.RejectLowQuality:      {"blurry", "low detail", "jpeg artifacts"},
	store.RejectWrongSpecies:    {"wrong species", "animal ears"},
	store.RejectBadComposition:  {"cropped head", "bad framing"},
	store.RejectArtifact:        {"extra limbs", "deformed hands", "watermark"},
	store.RejectWrongStyle:      {"photorealistic", "3d render"},
}

// NegativeTermsFor joins the negative-prompt terms for a set of categories,
// deduplicated, in stable order.
func NegativeTermsFor(categories []store.RejectionCategory) string {
	seen := make(map[string]struct{})
	var terms []string
	for _, category := range categories {
		for _, term := range rejectionNegativeMap[category] {
			if _, dup := seen[term]; dup {
				continue
			}
			seen[term] = struct{}{}
			terms = append(terms, term)
		}
	}
	sort.Strings(terms)
	return strings.Join(terms, ", ")
}
