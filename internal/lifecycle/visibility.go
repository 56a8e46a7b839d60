package lifecycle

import "github.com/sells-group/comp-engine/internal/model"

// Audience is the class of reader requesting a batch.
type Audience string

const (
	// AudienceEntity is the compensated person viewing their own results.
	AudienceEntity Audience = "entity"
	// AudienceReviewer is an approver or finance reviewer.
	AudienceReviewer Audience = "reviewer"
	// AudienceAdmin is the plan administrator who runs batches.
	AudienceAdmin Audience = "admin"
)

// ParseAudience maps a header or query value to an Audience. Unknown values
// get the most restrictive audience.
func ParseAudience(s string) Audience {
	switch Audience(s) {
	case AudienceReviewer, AudienceAdmin:
		return Audience(s)
	default:
		return AudienceEntity
	}
}

// CanView reports whether aud may read a batch in state s.
func CanView(s model.LifecycleState, aud Audience) bool {
	switch aud {
	case AudienceAdmin:
		return s.Valid()
	case AudienceReviewer:
		return s.AtLeast(model.StateOfficial)
	default:
		return s.AtLeast(model.StatePosted)
	}
}

// CanAct reports whether actor may request any transition on b. The
// submitter is blocked while their submission awaits a decision.
func CanAct(b *model.Batch, actor string) bool {
	if b.Superseded() || Terminal(b.State) {
		return false
	}
	if b.State == model.StatePendingApproval && actor == b.SubmittedBy {
		return false
	}
	return true
}
