package enums

import "fmt"

// DisputeResolution maps to the dispute_resolution_enum enum in Postgres.
type DisputeResolution string

const (
	DisputeResolutionUnresolved DisputeResolution = "unresolved"
	DisputeResolutionBuyerFavor DisputeResolution = "buyer_favor"
	DisputeResolutionSellerFavor DisputeResolution = "seller_favor"
	DisputeResolutionSplit      DisputeResolution = "split"
)

var validDisputeResolutions = []DisputeResolution{
	DisputeResolutionUnresolved,
	DisputeResolutionBuyerFavor,
	DisputeResolutionSellerFavor,
	DisputeResolutionSplit,
}

// String implements fmt.Stringer.
func (r DisputeResolution) String() string {
	return string(r)
}

// IsValid reports whether the value is a known DisputeResolution.
func (r DisputeResolution) IsValid() bool {
	for _, candidate := range validDisputeResolutions {
		if candidate == r {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the resolution closes the case.
func (r DisputeResolution) IsTerminal() bool {
	return r.IsValid() && r != DisputeResolutionUnresolved
}

// ParseDisputeResolution converts raw input into a DisputeResolution.
func ParseDisputeResolution(value string) (DisputeResolution, error) {
	for _, candidate := range validDisputeResolutions {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid dispute resolution %q", value)
}
