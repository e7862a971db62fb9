package enums

import "fmt"

// ActivityEventType is the closed set of activity events the pipeline accepts.
type ActivityEventType string

const (
	EventUserAttendedEvent ActivityEventType = "user_attended_event"
	EventUserFirstPost     ActivityEventType = "user_first_post"
	EventProfileCompleted  ActivityEventType = "profile_completed"
	EventJoinedCommunity   ActivityEventType = "joined_community"
	EventInvitedFriend     ActivityEventType = "invited_friend"
	EventPurchasedProduct  ActivityEventType = "purchased_product"
	EventSharedContent     ActivityEventType = "shared_content"
	EventMilestoneReached  ActivityEventType = "milestone_reached"
)

var validActivityEventTypes = []ActivityEventType{
	EventUserAttendedEvent,
	EventUserFirstPost,
	EventProfileCompleted,
	EventJoinedCommunity,
	EventInvitedFriend,
	EventPurchasedProduct,
	EventSharedContent,
	EventMilestoneReached,
}

// IsValid reports whether the value is a recognized activity event type.
func (e ActivityEventType) IsValid() bool {
	for _, candidate := range validActivityEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

func (e ActivityEventType) String() string { return string(e) }

// ParseActivityEventType converts raw input into ActivityEventType.
func ParseActivityEventType(value string) (ActivityEventType, error) {
	for _, candidate := range validActivityEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
