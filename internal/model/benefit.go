package model

// BenefitType classifies a drop reward.
type BenefitType string

const (
	BenefitItem  BenefitType = "ITEM"
	BenefitBadge BenefitType = "BADGE"
	BenefitEmote BenefitType = "EMOTE"
	BenefitOther BenefitType = "OTHER"
)

// ParseBenefitType maps the platform's distribution type strings onto the
// known benefit types. Unknown values become BenefitOther.
func ParseBenefitType(s string) BenefitType {
	switch s {
	case "DIRECT_ENTITLEMENT", "ITEM":
		return BenefitItem
	case "BADGE":
		return BenefitBadge
	case "EMOTE":
		return BenefitEmote
	default:
		return BenefitOther
	}
}

// Benefit represents a reward granted by a completed drop.
type Benefit struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Type     BenefitType `json:"type"`
	ImageURL string      `json:"image_url,omitempty"`
}

// IsBadgeOrEmote reports whether the benefit is cosmetic-only.
func (b Benefit) IsBadgeOrEmote() bool {
	return b.Type == BenefitBadge || b.Type == BenefitEmote
}
